// Package exporter 从内容存储中读回对象：原始文件
// 内容、树和快照的可读输出，以及把整个快照
// 还原到普通目录。
package exporter

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"converge/pkg/content"
	"converge/pkg/core"
	"converge/pkg/types"

	"github.com/go-git/go-billy/v5"
)

type Exporter struct {
	store *content.Store
}

func NewExporter(store *content.Store) *Exporter {
	return &Exporter{store: store}
}

// ExportFile 把 blob 的内容写到 w
func (e *Exporter) ExportFile(ctx context.Context, hash types.Hash, w io.Writer) error {
	data, err := e.store.Get(ctx, hash)
	if err != nil {
		return fmt.Errorf("failed to get blob: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write blob %s: %w", hash.Short(), err)
	}
	return nil
}

// PrintObject 输出快照或树，或者原样复制 blob。
// hash 可以是唯一前缀。
func (e *Exporter) PrintObject(ctx context.Context, prefix string, w io.Writer) error {
	hash, err := e.store.Expand(ctx, prefix)
	if err != nil {
		return err
	}
	data, err := e.store.Get(ctx, hash)
	if err != nil {
		return err
	}

	printed, err := PrintStructure(hash, data, w)
	if err != nil || printed {
		return err
	}
	_, err = w.Write(data)
	return err
}

type RestoreCallback func(path string, entry core.TreeEntry)

// Restore 把快照的文件写到 fsys 下，按需创建目录，
// 覆盖挡在路上的文件。它不会删除任何东西。
func (e *Exporter) Restore(ctx context.Context, snapshot types.Hash, fsys billy.Filesystem, onRestore RestoreCallback) error {
	snap, err := e.store.LoadSnapshot(ctx, snapshot)
	if err != nil {
		return fmt.Errorf("failed to load snapshot %s: %w", snapshot.Short(), err)
	}
	return e.restoreTree(ctx, snap.Root.Hash, fsys, "", onRestore)
}

func (e *Exporter) restoreTree(ctx context.Context, treeHash types.Hash, fsys billy.Filesystem, dir string, onRestore RestoreCallback) error {
	tree, err := e.store.LoadTree(ctx, treeHash)
	if err != nil {
		return fmt.Errorf("failed to load tree %s: %w", treeHash.Short(), err)
	}

	for _, entry := range tree.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := path.Join(dir, entry.Name)

		if entry.IsDir() {
			if err := fsys.MkdirAll(p, 0o755); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", p, err)
			}
			if err := e.restoreTree(ctx, entry.Hash.Hash, fsys, p, onRestore); err != nil {
				return err
			}
			continue
		}

		if err := e.restoreFile(ctx, fsys, p, entry); err != nil {
			return err
		}
		if onRestore != nil {
			onRestore(p, entry)
		}
	}
	return nil
}

func (e *Exporter) restoreFile(ctx context.Context, fsys billy.Filesystem, p string, entry core.TreeEntry) error {
	perm := os.FileMode(entry.Mode).Perm()
	if perm == 0 {
		perm = 0o644
	}
	f, err := fsys.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", p, err)
	}
	if err := e.ExportFile(ctx, entry.Hash.Hash, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
