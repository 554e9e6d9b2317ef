package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kimhsiao/actisync/internal/uuid"
)

// ErrInjected is returned by Memory for scripted failures.
var ErrInjected = errors.New("injected remote failure")

// Call is one backend invocation observed by Memory.
type Call struct {
	Op       Op
	RemoteID string
	LocalID  string
}

// Memory is an in-process Backend. Failures can be scripted per operation,
// which makes it the deterministic fake for sync tests.
type Memory struct {
	mu    sync.Mutex
	docs  map[string]Document
	order []string
	fail  map[Op]int
	calls []Call
	hook  func(Call)
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]Document),
		fail: make(map[Op]int),
	}
}

// FailNext makes the next n calls of op fail.
func (m *Memory) FailNext(op Op, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op] = n
}

// SetHook registers fn to run at the start of every call, before the
// scripted failure check.
func (m *Memory) SetHook(fn func(Call)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = fn
}

// Calls returns the calls made so far, in order.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many calls of op were made.
func (m *Memory) CallCount(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Get returns a stored document.
func (m *Memory) Get(remoteID string) (Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[remoteID]
	return copyDocument(doc), ok
}

// Len returns the number of stored documents.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

// Put stores doc directly, bypassing call recording. Used to seed state.
func (m *Memory) Put(doc Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[doc.ID]; !exists {
		m.order = append(m.order, doc.ID)
	}
	m.docs[doc.ID] = copyDocument(doc)
}

func (m *Memory) enter(ctx context.Context, c Call) error {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	hook := m.hook
	m.mu.Unlock()

	if hook != nil {
		hook(c)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail[c.Op] > 0 {
		m.fail[c.Op]--
		return fmt.Errorf("%s: %w", c.Op, ErrInjected)
	}
	return nil
}

// Create implements Backend.
func (m *Memory) Create(ctx context.Context, doc Document) (string, error) {
	if err := m.enter(ctx, Call{Op: OpCreate, LocalID: doc.LocalID}); err != nil {
		return "", err
	}
	doc.ID = uuid.New()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = copyDocument(doc)
	m.order = append(m.order, doc.ID)
	return doc.ID, nil
}

// Update implements Backend.
func (m *Memory) Update(ctx context.Context, remoteID string, doc Document) error {
	if err := m.enter(ctx, Call{Op: OpUpdate, RemoteID: remoteID, LocalID: doc.LocalID}); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.docs[remoteID]
	if !ok {
		return ErrDocumentNotFound
	}
	doc.ID = remoteID
	if doc.LocalID == "" {
		doc.LocalID = prev.LocalID
	}
	m.docs[remoteID] = copyDocument(doc)
	return nil
}

// Delete implements Backend.
func (m *Memory) Delete(ctx context.Context, remoteID string) error {
	if err := m.enter(ctx, Call{Op: OpDelete, RemoteID: remoteID}); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[remoteID]; !ok {
		return nil
	}
	delete(m.docs, remoteID)
	for i, id := range m.order {
		if id == remoteID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// List implements Backend. Documents are returned in creation order.
func (m *Memory) List(ctx context.Context) ([]Document, error) {
	if err := m.enter(ctx, Call{Op: OpList}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	docs := make([]Document, 0, len(m.order))
	for _, id := range m.order {
		docs = append(docs, copyDocument(m.docs[id]))
	}
	return docs, nil
}

func copyDocument(doc Document) Document {
	fields := make(map[string]interface{}, len(doc.Fields))
	for k, v := range doc.Fields {
		fields[k] = v
	}
	doc.Fields = fields
	return doc
}

func sortDocuments(docs []Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].CreatedAt != docs[j].CreatedAt {
			return docs[i].CreatedAt < docs[j].CreatedAt
		}
		return docs[i].ID < docs[j].ID
	})
}
