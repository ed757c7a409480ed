package identity

import (
	"context"
	"testing"

	"github.com/brewblox/sparkgw/internal/gwerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sidp(s string) *string { return &s }
func nidp(n uint16) *uint16 { return &n }

func TestInvariantsLookupEitherKey(t *testing.T) {
	s := New()
	require.NoError(t, s.Set("A", 100, nil))

	byLeft, err := s.Get(sidp("A"), nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(100), byLeft.NID)

	byRight, err := s.Get(nil, nidp(100))
	require.NoError(t, err)
	assert.Equal(t, "A", byRight.SID)

	both, err := s.Get(sidp("A"), nidp(100))
	require.NoError(t, err)
	assert.Equal(t, "A", both.SID)
}

func TestInvariantBothKeysMismatch(t *testing.T) {
	s := New()
	require.NoError(t, s.Set("A", 100, nil))
	require.NoError(t, s.Set("B", 101, nil))

	_, err := s.Get(sidp("A"), nidp(101))
	require.Error(t, err)
}

func TestRenameCollisionScenario(t *testing.T) {
	// Scenario 3: given {(A,100),(B,101)}, rename (A,*) to (B,*) fails with
	// DUPLICATE_SID and the store is unchanged.
	s := New()
	require.NoError(t, s.Set("A", 100, nil))
	require.NoError(t, s.Set("B", 101, nil))

	err := s.Rename(sidp("A"), nil, sidp("B"), nil)
	require.Error(t, err)
	assert.True(t, gwerr.Is(err, gwerr.KindDuplicateSID))

	a, err := s.Get(sidp("A"), nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(100), a.NID)

	b, err := s.Get(sidp("B"), nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(101), b.NID)
}

func TestRenameNoOp(t *testing.T) {
	// Renaming (sid,nid) to itself is a no-op.
	s := New()
	require.NoError(t, s.Set("A", 100, nil))
	require.NoError(t, s.Rename(sidp("A"), nidp(100), sidp("A"), nidp(100)))

	a, err := s.Get(sidp("A"), nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(100), a.NID)
}

func TestDeleteByEitherKey(t *testing.T) {
	s := New()
	require.NoError(t, s.Set("A", 100, nil))
	require.NoError(t, s.Delete(nil, nidp(100)))
	_, err := s.Get(sidp("A"), nil)
	require.Error(t, err)
}

func TestSetDuplicateNID(t *testing.T) {
	s := New()
	require.NoError(t, s.Set("A", 100, nil))
	err := s.Set("B", 100, nil)
	require.Error(t, err)
	assert.True(t, gwerr.Is(err, gwerr.KindDuplicateNID))
}

type memPersister struct {
	doc Document
}

func (m *memPersister) Read(ctx context.Context, docID string) (Document, error) {
	return m.doc, nil
}

func (m *memPersister) Write(ctx context.Context, docID string, doc Document) error {
	m.doc = doc
	return nil
}

func TestLoadReseedsDefaults(t *testing.T) {
	p := &memPersister{}
	defaults := []Entry{{SID: "SystemInfo", NID: 2, Data: map[string]interface{}{}}}
	ps := NewPersistentStore("dev-blocks-db", p, defaults)

	require.NoError(t, ps.Load(context.Background()))

	e, err := ps.Get(sidp("SystemInfo"), nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), e.NID)
}

func TestSetWaitsForReady(t *testing.T) {
	p := &memPersister{}
	ps := NewPersistentStore("dev-blocks-db", p, nil)
	ps.readyTimeout = 0 // force immediate timeout path if never loaded

	err := ps.Set(context.Background(), "A", 100, nil)
	require.Error(t, err)
	assert.True(t, gwerr.Is(err, gwerr.KindTimeout))
}

func TestDeleteWaitsForReady(t *testing.T) {
	p := &memPersister{}
	ps := NewPersistentStore("dev-blocks-db", p, nil)
	ps.readyTimeout = 0 // force immediate timeout path if never loaded

	err := ps.Delete(context.Background(), sidp("A"), nil)
	require.Error(t, err)
	assert.True(t, gwerr.Is(err, gwerr.KindTimeout))
}

func TestRenameWaitsForReady(t *testing.T) {
	p := &memPersister{}
	ps := NewPersistentStore("dev-blocks-db", p, nil)
	ps.readyTimeout = 0 // force immediate timeout path if never loaded

	err := ps.Rename(context.Background(), sidp("A"), nil, sidp("B"), nil)
	require.Error(t, err)
	assert.True(t, gwerr.Is(err, gwerr.KindTimeout))
}

func TestDeleteAfterLoadSucceeds(t *testing.T) {
	p := &memPersister{}
	ps := NewPersistentStore("dev-blocks-db", p, nil)
	require.NoError(t, ps.Load(context.Background()))
	require.NoError(t, ps.Store.Set("A", 100, nil))

	require.NoError(t, ps.Delete(context.Background(), nil, nidp(100)))
	_, err := ps.Get(sidp("A"), nil)
	require.Error(t, err)
}

func TestFinalFlushPersists(t *testing.T) {
	p := &memPersister{}
	ps := NewPersistentStore("dev-blocks-db", p, nil)
	require.NoError(t, ps.Load(context.Background()))
	require.NoError(t, ps.Store.Set("A", 100, nil))

	ctx, cancel := context.WithCancel(context.Background())
	go ps.Run(ctx)
	cancel()
	ps.Wait()

	assert.Len(t, p.doc.Entries, 1)
}
