// Package index 是每个目录的扫描缓存：上次同步的内容，
// 以及每个文件被哈希时的大小和修改时间。
package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"converge/pkg/clock"
	"converge/pkg/types"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

const (
	Dir      = ".converge"
	FileName = "index.json"
)

// Entry 是某个文件上一次在磁盘上被看到时的状态
type Entry struct {
	Hash    types.Hash `json:"hash"`
	Size    int64      `json:"size"`
	ModTime time.Time  `json:"mtime"`
	Mode    uint32     `json:"mode,omitempty"`
	// Origin 只在冲突副本上设置：该文件保存的是哪个路径
	// 的落败版本。
	Origin string `json:"origin,omitempty"`
	// Clock 是磁盘上这个版本的因果上下文；nil 表示使用
	// index 的 base。空时钟本身也是一个上下文。
	Clock clock.VectorClock `json:"clock"`
}

// Unchanged 判断大小和 mtime 相同的文件能否复用
// 已记录的哈希。
func (e Entry) Unchanged(size int64, modTime time.Time) bool {
	return e.Size == size && e.ModTime.Equal(modTime)
}

type Index struct {
	Ref     types.RefName     `json:"ref,omitempty"`
	Replica types.ReplicaID   `json:"replica"`
	Base    types.Hash        `json:"base,omitempty"`
	Clock   clock.VectorClock `json:"clock"`
	Entries map[string]Entry  `json:"entries"`
	// Held 固定那些未能写入收敛版本的未跟踪路径的上下文。
	// 之后在那里发现的本地文件，是在没有看到该版本的情况下
	// 产生的。
	Held map[string]clock.VectorClock `json:"held,omitempty"`

	mu sync.RWMutex
}

func New() *Index {
	return &Index{
		Clock:   clock.New(),
		Entries: make(map[string]Entry),
	}
}

func filePath() string { return path.Join(Dir, FileName) }

// Load 读取 fs 所在目录的 index。从未同步过的目录
// 返回空 index。
func Load(fs billy.Filesystem) (*Index, error) {
	idx := New()

	data, err := util.ReadFile(fs, filePath())
	if errors.Is(err, os.ErrNotExist) {
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, fmt.Errorf("corrupted index file: %w", err)
	}
	if idx.Entries == nil {
		idx.Entries = make(map[string]Entry)
	}
	if idx.Clock == nil {
		idx.Clock = clock.New()
	}
	return idx, nil
}

// Save 通过临时文件和 rename 写入 index
func (i *Index) Save(fs billy.Filesystem) error {
	i.mu.RLock()
	data, err := json.MarshalIndent(i, "", "  ")
	i.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := fs.MkdirAll(Dir, 0o755); err != nil {
		return err
	}
	tmp, err := fs.TempFile(Dir, FileName+".tmp-")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = fs.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(tmp.Name())
		return err
	}
	return fs.Rename(tmp.Name(), filePath())
}

func (i *Index) Get(p string) (Entry, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	e, ok := i.Entries[CleanPath(p)]
	return e, ok
}

// Set 跟踪 p，并丢弃为 p 固定的上下文
func (i *Index) Set(p string, e Entry) {
	i.mu.Lock()
	defer i.mu.Unlock()
	p = CleanPath(p)
	i.Entries[p] = e
	delete(i.Held, p)
}

func (i *Index) Remove(p string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	p = CleanPath(p)
	delete(i.Entries, p)
	delete(i.Held, p)
}

// Hold 把 vc 记为未跟踪路径的上下文。一个路径第一次固定的
// 上下文会一直保留，直到该路径被跟踪或被释放。
func (i *Index) Hold(p string, vc clock.VectorClock) {
	i.mu.Lock()
	defer i.mu.Unlock()
	p = CleanPath(p)
	if _, ok := i.Held[p]; ok {
		return
	}
	if i.Held == nil {
		i.Held = make(map[string]clock.VectorClock)
	}
	i.Held[p] = vc.Copy()
}

func (i *Index) Release(p string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.Held, CleanPath(p))
}

// HeldClocks 返回固定上下文的副本
func (i *Index) HeldClocks() map[string]clock.VectorClock {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return maps.Clone(i.Held)
}

// BaseClock 返回上次同步的快照时钟的副本
func (i *Index) BaseClock() clock.VectorClock {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.Clock.Copy()
}

// ContextOf 返回目录所持有的 p 的因果上下文：
// 它的 entry 时钟、为它固定的时钟，或者 base。
func (i *Index) ContextOf(p string) clock.VectorClock {
	i.mu.RLock()
	defer i.mu.RUnlock()
	p = CleanPath(p)
	if e, ok := i.Entries[p]; ok && e.Clock != nil {
		return e.Clock.Copy()
	}
	if vc, ok := i.Held[p]; ok {
		return vc.Copy()
	}
	return i.Clock.Copy()
}

// Snapshot 返回 entries 的副本，可以并发读取
func (i *Index) Snapshot() map[string]Entry {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return maps.Clone(i.Entries)
}

// SetBase 记录目录当前反映的快照
func (i *Index) SetBase(h types.Hash, vc clock.VectorClock) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Base = h
	i.Clock = vc.Copy()
}

func (i *Index) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Entries = make(map[string]Entry)
	i.Held = nil
}

func (i *Index) IsEmpty() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.Entries) == 0
}

// CleanPath 把相对路径规范化为 index key 使用的
// 斜杠分隔形式。
func CleanPath(p string) string {
	return path.Clean(filepath.ToSlash(p))
}
