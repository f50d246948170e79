package exporter

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"converge/pkg/core"
	"converge/pkg/types"
)

// PrintStructure 打印快照或树。对其他对象 (文件内容)
// 返回 false，交给调用方显示。
func PrintStructure(hash types.Hash, data []byte, w io.Writer) (bool, error) {
	var header struct {
		TypeVal core.ObjectType `cbor:"t"`
	}
	if err := core.DecodeObject(data, &header); err != nil {
		return false, nil
	}

	switch header.TypeVal {
	case core.TypeSnapshot:
		return true, printSnapshot(hash, data, w)
	case core.TypeTree:
		return true, printTree(hash, data, w)
	default:
		return false, nil
	}
}

func printSnapshot(hash types.Hash, data []byte, w io.Writer) error {
	s, err := core.DecodeSnapshot(data)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Type:  Snapshot\n")
	fmt.Fprintf(w, "Hash:  %s\n", hash)
	fmt.Fprintf(w, "Root:  %s\n", s.Root.Hash)
	fmt.Fprintf(w, "Clock: %s\n", s.Clock)
	fmt.Fprintf(w, "Files: %d\n", s.Files)
	return nil
}

func printTree(hash types.Hash, data []byte, w io.Writer) error {
	t, err := core.DecodeTree(data)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Type: Tree %s\n\n", hash.Short())

	// 类似 git ls-tree
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "MODE\tTYPE\tHASH\tSIZE\tNAME\n")
	for _, entry := range t.Entries {
		name := entry.Name
		if entry.Origin != "" {
			name += " (conflict copy of " + entry.Origin + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", fmtMode(entry), entry.Type, entry.Hash.Hash.Short(), fmtSize(entry), name)
	}
	return tw.Flush()
}

func fmtMode(e core.TreeEntry) string {
	if e.IsDir() {
		return "-"
	}
	if e.Mode == 0 {
		return "0644"
	}
	return fmt.Sprintf("%04o", os.FileMode(e.Mode).Perm())
}

func fmtSize(e core.TreeEntry) string {
	if e.IsDir() {
		return "-"
	}
	s := e.Size
	if s < 1024 {
		return fmt.Sprintf("%dB", s)
	} else if s < 1024*1024 {
		return fmt.Sprintf("%.1fKB", float64(s)/1024)
	}
	return fmt.Sprintf("%.2fMB", float64(s)/1024/1024)
}
