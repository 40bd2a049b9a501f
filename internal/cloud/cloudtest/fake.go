// Package cloudtest provides an in-memory cloud.Adapter for tests that
// exercise the crawler, the reconciliation engine, and scheduler workers
// without a real provider.
package cloudtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/alexjbarnes/skysync/internal/cloud"
)

// RootID is the id of the fake's root folder.
const RootID = "root"

type node struct {
	id      string
	name    string
	folder  bool
	parent  string
	content []byte
}

// Fake is a thread-safe in-memory Adapter backed by a flat node table.
// The reconciliation engine fans out folder and file operations
// concurrently, so every method takes the lock.
type Fake struct {
	mu     sync.Mutex
	nodes  map[string]*node
	nextID int

	// MetadataErr makes Metadata fail for specific node ids.
	MetadataErr map[string]error

	// CreateFolderErr makes CreateFolder fail for specific folder names.
	CreateFolderErr map[string]error

	// UploadErr makes Upload fail for specific file names.
	UploadErr map[string]error

	// Deleted records ids passed to DeleteNode, in call order.
	Deleted []string
}

// NewFake creates a Fake with an empty root folder.
func NewFake() *Fake {
	return &Fake{
		nodes: map[string]*node{
			RootID: {id: RootID, name: "", folder: true},
		},
		MetadataErr:     make(map[string]error),
		CreateFolderErr: make(map[string]error),
		UploadErr:       make(map[string]error),
	}
}

func (f *Fake) newID() string {
	f.nextID++
	return "n" + strconv.Itoa(f.nextID)
}

// AddFolder seeds a folder under parentID and returns its id.
func (f *Fake) AddFolder(parentID, name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.newID()
	f.nodes[id] = &node{id: id, name: name, folder: true, parent: parentID}

	return id
}

// AddFile seeds a file with the given content under parentID and returns
// its id.
func (f *Fake) AddFile(parentID, name string, content []byte) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.newID()
	f.nodes[id] = &node{id: id, name: name, parent: parentID, content: content}

	return id
}

// Content returns the stored content of a file, or nil if absent.
func (f *Fake) Content(id string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.nodes[id]
	if !ok {
		return nil
	}

	return n.content
}

// Lookup returns the id of the child with the given name under parentID,
// or empty string.
func (f *Fake) Lookup(parentID, name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, n := range f.nodes {
		if n.parent == parentID && n.name == name {
			return n.id
		}
	}

	return ""
}

// ListFolder implements cloud.Adapter.
func (f *Fake) ListFolder(_ context.Context, folderID string) ([]cloud.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parent, ok := f.nodes[folderID]
	if !ok || !parent.folder {
		return nil, fmt.Errorf("folder %q not found", folderID)
	}

	var out []cloud.Node

	for _, n := range f.nodes {
		if n.parent == folderID {
			out = append(out, cloud.Node{ID: n.id, Name: n.name, Folder: n.folder})
		}
	}

	return out, nil
}

// Metadata implements cloud.Adapter.
func (f *Fake) Metadata(_ context.Context, id string) (cloud.FileMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.MetadataErr[id]; ok {
		return cloud.FileMeta{}, err
	}

	n, ok := f.nodes[id]
	if !ok {
		return cloud.FileMeta{}, fmt.Errorf("node %q not found", id)
	}

	return cloud.FileMeta{Size: int64(len(n.content))}, nil
}

// CreateFolder implements cloud.Adapter.
func (f *Fake) CreateFolder(_ context.Context, name, parentID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.CreateFolderErr[name]; ok {
		return "", err
	}

	if _, ok := f.nodes[parentID]; !ok {
		return "", fmt.Errorf("parent %q not found", parentID)
	}

	id := f.newID()
	f.nodes[id] = &node{id: id, name: name, folder: true, parent: parentID}

	return id, nil
}

// DeleteNode implements cloud.Adapter.
func (f *Fake) DeleteNode(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.nodes[id]; !ok {
		return fmt.Errorf("node %q not found", id)
	}

	delete(f.nodes, id)
	f.Deleted = append(f.Deleted, id)

	return nil
}

// Upload implements cloud.Adapter.
func (f *Fake) Upload(_ context.Context, name, parentID string, r io.Reader, _ int64) (string, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.UploadErr[name]; ok {
		return "", err
	}

	if _, ok := f.nodes[parentID]; !ok {
		return "", fmt.Errorf("parent %q not found", parentID)
	}

	// Replace an existing file with the same name under this parent.
	for _, n := range f.nodes {
		if n.parent == parentID && n.name == name && !n.folder {
			n.content = content
			return n.id, nil
		}
	}

	id := f.newID()
	f.nodes[id] = &node{id: id, name: name, parent: parentID, content: content}

	return id, nil
}

// Download implements cloud.Adapter.
func (f *Fake) Download(_ context.Context, id string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.nodes[id]
	if !ok || n.folder {
		return nil, fmt.Errorf("file %q not found", id)
	}

	return io.NopCloser(bytes.NewReader(n.content)), nil
}
