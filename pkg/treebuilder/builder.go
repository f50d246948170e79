package treebuilder

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"converge/pkg/core"
	"converge/pkg/types"
)

// ErrPathConflict 表示同一路径既要作为文件又要作为目录
var ErrPathConflict = errors.New("path is both a file and a directory")

// ObjectWriter 持久化树对象
type ObjectWriter interface {
	PutObject(ctx context.Context, obj core.Object) error
}

// TreeLoader 读回树对象
type TreeLoader interface {
	LoadTree(ctx context.Context, hash types.Hash) (*core.Tree, error)
}

// Result 是构建好的 Merkle 树
type Result struct {
	Root *core.Tree
	// Trees 保存所有目录，子节点在父节点之前，根在最后
	Trees []*core.Tree
	Files int
}

// Build 把扁平的 path -> file entry 集合转换成 Merkle 树。
// Entry 名字取自路径。目录只为容纳文件而存在。
func Build(files map[string]core.TreeEntry) (*Result, error) {
	// 1. 中间的内存树
	root := newDirNode()
	for p, entry := range files {
		if err := core.ValidatePath(p); err != nil {
			return nil, err
		}
		if err := root.addFile(p, entry); err != nil {
			return nil, err
		}
	}

	// 2. 自底向上计算哈希
	res := &Result{Files: len(files)}
	tree, err := res.writeNode(root)
	if err != nil {
		return nil, err
	}
	res.Root = tree
	return res, nil
}

// Write 持久化结果中的所有树，根在最后，所以能加载根的
// 读者就能加载整棵树。
func (r *Result) Write(ctx context.Context, w ObjectWriter) error {
	for _, t := range r.Trees {
		if err := w.PutObject(ctx, t); err != nil {
			return fmt.Errorf("failed to store tree: %w", err)
		}
	}
	return nil
}

type node struct {
	isDir    bool
	children map[string]*node // 只有目录
	entry    core.TreeEntry   // 只有文件
}

func newDirNode() *node {
	return &node{
		isDir:    true,
		children: make(map[string]*node),
	}
}

// addFile 插入 "a/b/c.txt"，沿途创建 a 和 a/b
func (n *node) addFile(p string, entry core.TreeEntry) error {
	parts := strings.Split(p, "/")
	current := n

	for i, part := range parts[:len(parts)-1] {
		child, exists := current.children[part]
		if !exists {
			child = newDirNode()
			current.children[part] = child
		}
		if !child.isDir {
			return fmt.Errorf("%w: %s", ErrPathConflict, strings.Join(parts[:i+1], "/"))
		}
		current = child
	}

	name := parts[len(parts)-1]
	if existing, ok := current.children[name]; ok && existing.isDir {
		return fmt.Errorf("%w: %s", ErrPathConflict, p)
	}
	entry.Name = name
	entry.Type = core.EntryFile
	current.children[name] = &node{entry: entry}
	return nil
}

func (r *Result) writeNode(n *node) (*core.Tree, error) {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]core.TreeEntry, 0, len(names))
	for _, name := range names {
		child := n.children[name]
		if !child.isDir {
			entries = append(entries, child.entry)
			continue
		}

		sub, err := r.writeNode(child)
		if err != nil {
			return nil, err
		}
		entries = append(entries, core.TreeEntry{
			Name: name,
			Type: core.EntryDir,
			Hash: core.NewLink(sub.ID()),
		})
	}

	tree, err := core.NewTree(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to create tree object: %w", err)
	}
	r.Trees = append(r.Trees, tree)
	return tree, nil
}

// Flatten 把存储的树展开为 path -> file entry 集合，
// 是 Build 的逆操作。
func Flatten(ctx context.Context, loader TreeLoader, root types.Hash) (map[string]core.TreeEntry, error) {
	out := make(map[string]core.TreeEntry)
	if err := flatten(ctx, loader, root, "", out); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(ctx context.Context, loader TreeLoader, h types.Hash, prefix string, out map[string]core.TreeEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tree, err := loader.LoadTree(ctx, h)
	if err != nil {
		return fmt.Errorf("load tree %q: %w", prefix, err)
	}
	for _, e := range tree.Entries {
		p := path.Join(prefix, e.Name)
		if e.IsDir() {
			if err := flatten(ctx, loader, e.Hash.Hash, p, out); err != nil {
				return err
			}
			continue
		}
		out[p] = e
	}
	return nil
}
