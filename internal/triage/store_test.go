package triage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"
)

// fakeCatalog serves submission documents from a map.
type fakeCatalog struct {
	docs map[string]string
}

func newFakeCatalog(docs map[string]string) *fakeCatalog {
	if docs == nil {
		docs = map[string]string{}
	}
	return &fakeCatalog{docs: docs}
}

func (c *fakeCatalog) List(context.Context) []string {
	names := make([]string, 0, len(c.docs))
	for n := range c.docs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c *fakeCatalog) Read(_ context.Context, name string) (string, error) {
	doc, ok := c.docs[name]
	if !ok {
		return "", fmt.Errorf("submission %s: %w", name, fs.ErrNotExist)
	}
	return doc, nil
}

// fakeRecords is an in-memory RecordStore that counts writes and can be made
// to fail.
type fakeRecords struct {
	mu     sync.Mutex
	data   map[string][]byte
	writes int
	err    error
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{data: map[string][]byte{}}
}

func (r *fakeRecords) Write(_ context.Context, name string, content []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	if r.err != nil {
		return r.err
	}
	r.data[name] = append([]byte(nil), content...)
	return nil
}

func (r *fakeRecords) Read(_ context.Context, name string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.data[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, name)
	}
	return append([]byte(nil), b...), nil
}

func (r *fakeRecords) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

// fakeNotifier records every outcome it is sent.
// fakeQueueRecords adds priority listing to fakeRecords.
type fakeQueueRecords struct {
	*fakeRecords
	gotPriority Priority
	gotLimit    int
}

func (f *fakeQueueRecords) ListByPriority(_ context.Context, p Priority, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotPriority, f.gotLimit = p, limit
	if f.err != nil {
		return nil, f.err
	}
	return []string{"a" + recordSuffix}, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []*Outcome
	err  error
}

func (n *fakeNotifier) Send(_ context.Context, o *Outcome) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, o)
	return n.err
}

var errDiskFull = errors.New("disk full")

var (
	_ Catalog     = (*fakeCatalog)(nil)
	_ RecordStore = (*fakeRecords)(nil)
	_ Notifier    = (*fakeNotifier)(nil)

	_ PriorityQueue = (*fakeQueueRecords)(nil)
)
