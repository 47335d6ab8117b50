package difftree

// Kind classifies the difference a node represents.
type Kind uint8

const (
	KindNone Kind = iota
	KindAdd
	KindRemove
	KindChange
)

func (k Kind) String() string {
	switch k {
	case KindAdd:
		return "add"
	case KindRemove:
		return "remove"
	case KindChange:
		return "change"
	default:
		return "none"
	}
}

// Direction tells which side a difference originates from.
type Direction uint8

const (
	DirNone Direction = iota
	DirOutgoing
	DirIncoming
	DirConflicting
)

func (d Direction) String() string {
	switch d {
	case DirOutgoing:
		return "outgoing"
	case DirIncoming:
		return "incoming"
	case DirConflicting:
		return "conflicting"
	default:
		return "none"
	}
}
