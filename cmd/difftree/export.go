package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/chenyanchen/difftree"
)

func writeTree(w io.Writer, tree difftree.Tree, format string) error {
	switch format {
	case "dot":
		_, err := io.WriteString(w, tree.DOT())
		return err
	case "mermaid":
		_, err := io.WriteString(w, tree.Mermaid())
		return err
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(tree)
	default:
		return fmt.Errorf("unknown export format %q", format)
	}
}
