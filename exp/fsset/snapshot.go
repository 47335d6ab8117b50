package fsset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"github.com/chenyanchen/difftree"
	"golang.org/x/sync/errgroup"
)

// fileInfo is what one side knows about one path.
type fileInfo struct {
	dir  bool
	path string
	size int64
	hash string
}

func (f fileInfo) signature() string {
	if f.dir {
		return "dir"
	}
	return strconv.FormatInt(f.size, 10) + ":" + f.hash
}

// tree maps relative keys of one root to what was found there.
type tree map[difftree.Key]fileInfo

// record is one key of the comparison with the hash used to detect changes
// between scans.
type record struct {
	entry difftree.Entry
	hash  string
}

// scan walks root and hashes every regular file. Symlinks and other special
// files are skipped.
func scan(ctx context.Context, cfg Config, root string) (tree, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan %s: not a directory", root)
	}

	out := make(tree)
	var files []difftree.Key
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if cfg.ignored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		key := difftree.CleanKey(rel)
		switch {
		case d.IsDir():
			out[key] = fileInfo{dir: true, path: p}
		case d.Type().IsRegular():
			out[key] = fileInfo{path: p}
			files = append(files, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	hashes := make([]fileInfo, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, key := range files {
		g.Go(func() error {
			f := out[key]
			size, hash, err := hashFile(gctx, f.path)
			if err != nil {
				return fmt.Errorf("hash %s: %w", f.path, err)
			}
			f.size, f.hash = size, hash
			hashes[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, key := range files {
		out[key] = hashes[i]
	}
	return out, nil
}

func hashFile(ctx context.Context, p string) (int64, string, error) {
	if err := ctx.Err(); err != nil {
		return 0, "", err
	}
	f, err := os.Open(p)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// compare classifies every path of left and right. Identical paths are
// dropped unless they are folders containing a difference.
func compare(left, right tree, l *loader) map[difftree.Key]record {
	keys := make(map[difftree.Key]struct{}, len(left)+len(right))
	for k := range left {
		keys[k] = struct{}{}
	}
	for k := range right {
		keys[k] = struct{}{}
	}

	out := make(map[difftree.Key]record)
	for k := range keys {
		lf, inLeft := left[k]
		rf, inRight := right[k]
		var kind difftree.Kind
		switch {
		case !inRight:
			kind = difftree.KindRemove
		case !inLeft:
			kind = difftree.KindAdd
		case lf.dir && rf.dir:
			continue
		case lf.signature() != rf.signature():
			kind = difftree.KindChange
		default:
			continue
		}
		out[k] = newRecord(k, kind, left, right, l)
	}

	// Keep the folders leading to each difference.
	for k := range out {
		for p := k.Parent(); p != difftree.RootKey; p = p.Parent() {
			if _, ok := out[p]; ok {
				break
			}
			out[p] = newRecord(p, difftree.KindNone, left, right, l)
		}
	}
	return out
}

func newRecord(k difftree.Key, kind difftree.Kind, left, right tree, l *loader) record {
	e := difftree.Entry{Kind: kind}
	var b strings.Builder
	b.WriteString(kind.String())
	b.WriteByte('\n')
	if f, ok := left[k]; ok {
		e.Left = l.element(k.Base(), f)
		b.WriteString(f.signature())
	}
	b.WriteByte('\n')
	if f, ok := right[k]; ok {
		e.Right = l.element(k.Base(), f)
		b.WriteString(f.signature())
	}
	b.WriteByte('\n')
	sum := sha256.Sum256([]byte(b.String()))
	return record{entry: e, hash: hex.EncodeToString(sum[:])}
}

// diffRecords returns the batch turning prev into next. Removals and
// additions are reported as subtree roots only.
func diffRecords(prev, next map[difftree.Key]record) difftree.Batch {
	removedSet := make(map[difftree.Key]struct{})
	addedSet := make(map[difftree.Key]struct{})
	var b difftree.Batch

	for k, n := range next {
		p, ok := prev[k]
		if !ok {
			addedSet[k] = struct{}{}
			continue
		}
		if p.hash != n.hash {
			b.Changed = append(b.Changed, k)
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			removedSet[k] = struct{}{}
		}
	}

	for k := range removedSet {
		if _, ok := removedSet[k.Parent()]; !ok {
			b.Removed = append(b.Removed, k)
		}
	}
	for k := range addedSet {
		if _, ok := addedSet[k.Parent()]; !ok {
			b.Added = append(b.Added, k)
		}
	}
	sortKeys(b.Removed)
	sortKeys(b.Added)
	sortKeys(b.Changed)
	return b
}

// childIndex groups keys by parent in display order.
func childIndex(records map[difftree.Key]record) map[difftree.Key][]difftree.Key {
	out := make(map[difftree.Key][]difftree.Key)
	for k := range records {
		p := k.Parent()
		out[p] = append(out[p], k)
	}
	for _, children := range out {
		sortKeys(children)
	}
	return out
}

func sortKeys(keys []difftree.Key) {
	slices.Sort(keys)
}
