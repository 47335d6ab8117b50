package difftree

import "context"

// FolderType is the Type of elements that only group other elements.
const FolderType = "FOLDER"

// Element is one side of a comparison: something with a display name and a
// type tag. Implementations are opaque to the tree.
type Element interface {
	Name() string
	Type() string
}

// ContentElement is an Element whose bytes can be loaded.
type ContentElement interface {
	Element
	Content(ctx context.Context) ([]byte, error)
}

// StaticElement is an Element held in memory.
type StaticElement struct {
	ElemName string `json:"name" yaml:"name"`
	ElemType string `json:"type" yaml:"type"`
	Data     []byte `json:"data,omitempty" yaml:"data,omitempty"`
}

func (e StaticElement) Name() string { return e.ElemName }
func (e StaticElement) Type() string { return e.ElemType }

func (e StaticElement) Content(context.Context) ([]byte, error) {
	return e.Data, nil
}

// Folder returns a folder element named name.
func Folder(name string) StaticElement {
	return StaticElement{ElemName: name, ElemType: FolderType}
}

// File returns a file element. The type tag is derived from the name's extension.
func File(name string, data []byte) StaticElement {
	return StaticElement{ElemName: name, ElemType: typeOf(name), Data: data}
}

func typeOf(name string) string {
	for i := len(name) - 1; i >= 0 && name[i] != '/'; i-- {
		if name[i] == '.' {
			return name[i+1:]
		}
	}
	return ""
}

// IsFolder reports whether e is a non-nil folder element.
func IsFolder(e Element) bool {
	return e != nil && e.Type() == FolderType
}
