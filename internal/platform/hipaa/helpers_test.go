package hipaa

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, KeySize)
}

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := NewCipher(testKey())
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	return c
}

type mintFixture struct {
	cipher *Cipher
	store  *MemoryPHIStore
	sink   *MemoryAuditSink
	mint   *TokenMint
}

func newMintFixture(t *testing.T) *mintFixture {
	t.Helper()
	c := newTestCipher(t)
	store := NewMemoryPHIStore()
	sink := NewMemoryAuditSink()
	mint, err := NewTokenMint(c, store, NewAuditor(sink, zerolog.Nop(), nil), nil)
	if err != nil {
		t.Fatalf("new token mint: %v", err)
	}
	return &mintFixture{cipher: c, store: store, sink: sink, mint: mint}
}

// failingSink rejects every write.
type failingSink struct{}

func (failingSink) RecordAudit(context.Context, AuditEntry) error {
	return errors.New("audit store down")
}

func (failingSink) RecordAccessAttempt(context.Context, AccessAttempt) error {
	return errors.New("audit store down")
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

// fakeDirectory serves actors and client assignments from maps.
type fakeDirectory struct {
	actors    map[string]*Actor
	clients   map[string]*ClientAssignment
	actorErr  error
	clientErr error
	panicOn   string
	calls     int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		actors:  make(map[string]*Actor),
		clients: make(map[string]*ClientAssignment),
	}
}

func (d *fakeDirectory) GetActor(_ context.Context, id string) (*Actor, error) {
	d.calls++
	if d.panicOn == id {
		panic("directory exploded")
	}
	if d.actorErr != nil {
		return nil, d.actorErr
	}
	a, ok := d.actors[id]
	if !ok {
		return nil, ErrActorNotFound
	}
	return a, nil
}

func (d *fakeDirectory) GetClient(_ context.Context, ownerID string) (*ClientAssignment, error) {
	if d.clientErr != nil {
		return nil, d.clientErr
	}
	c, ok := d.clients[ownerID]
	if !ok {
		return nil, ErrClientNotFound
	}
	return c, nil
}

// practiceDirectory has an admin, two practitioners and a client assigned
// to the first practitioner.
func practiceDirectory() *fakeDirectory {
	d := newFakeDirectory()
	d.actors["admin-1"] = &Actor{ID: "admin-1", Role: RoleAdmin}
	d.actors["prac-1"] = &Actor{ID: "prac-1", Role: RolePractitioner, PractitionerProfileID: "pp-1"}
	d.actors["prac-2"] = &Actor{ID: "prac-2", Role: RolePractitioner, PractitionerProfileID: "pp-2"}
	d.actors["client-1"] = &Actor{ID: "client-1", Role: RoleClient}
	d.actors["client-2"] = &Actor{ID: "client-2", Role: RoleClient}
	d.clients["client-1"] = &ClientAssignment{UserID: "client-1", AssignedPractitionerProfileID: "pp-1"}
	d.clients["client-2"] = &ClientAssignment{UserID: "client-2"}
	return d
}
