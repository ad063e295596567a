package answercache

import (
	"testing"
	"time"

	"github.com/miekg/dns"
)

func buildQuery(t *testing.T, name string, qtype uint16) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	buf, err := m.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	return buf
}

func buildAnswer(t *testing.T, query []byte, ttl uint32) []byte {
	t.Helper()
	q := new(dns.Msg)
	if err := q.Unpack(query); err != nil {
		t.Fatalf("Unpack query: %v", err)
	}
	a := new(dns.Msg)
	a.SetReply(q)
	rr, err := dns.NewRR(q.Question[0].Name + " " + "60" + " IN A 127.0.0.1")
	if err != nil {
		t.Fatalf("NewRR: %v", err)
	}
	rr.Header().Ttl = ttl
	a.Answer = append(a.Answer, rr)
	buf, err := a.Pack()
	if err != nil {
		t.Fatalf("Pack answer: %v", err)
	}
	return buf
}

func TestAdmitAndFind(t *testing.T) {
	c := New(8)
	q := buildQuery(t, "example.com", dns.TypeA)
	a := buildAnswer(t, q, 60)

	fp := uint32(42)
	if _, ok := c.Find(fp, q); ok {
		t.Fatal("expected miss on empty cache")
	}

	idx := c.Admit(fp, q, a, time.Now().Add(60*time.Second))
	got, ok := c.Find(fp, q)
	if !ok || got != idx {
		t.Fatalf("expected Find to return the admitted index, got %d ok=%v", got, ok)
	}

	answer, _, id := c.Entry(idx)
	if string(answer) != string(a) {
		t.Error("returned answer does not match admitted answer")
	}
	if id == 0 {
		t.Error("expected a non-zero debug id")
	}
	if c.NumEntries() != 1 {
		t.Errorf("expected 1 entry, got %d", c.NumEntries())
	}
}

func TestExpiredEntryIsEvictable(t *testing.T) {
	c := New(4)
	q := buildQuery(t, "stale.example.com", dns.TypeA)
	a := buildAnswer(t, q, 60)

	idx := c.Admit(1, q, a, time.Now().Add(-time.Second))
	if !c.Expired(idx, time.Now()) {
		t.Error("expected entry to be expired")
	}
	c.Evict(idx)
	if c.NumEntries() != 0 {
		t.Error("expected entry to be gone after eviction")
	}
	if _, ok := c.Find(1, q); ok {
		t.Error("expected Find to miss after eviction")
	}
}

func TestEvictOldestRespectsMRU(t *testing.T) {
	c := New(2)
	q1 := buildQuery(t, "one.example.com", dns.TypeA)
	q2 := buildQuery(t, "two.example.com", dns.TypeA)
	a1 := buildAnswer(t, q1, 60)
	a2 := buildAnswer(t, q2, 60)

	idx1 := c.Admit(1, q1, a1, time.Now().Add(time.Minute))
	c.Admit(2, q2, a2, time.Now().Add(time.Minute))

	// idx1 is now the MRU tail (least recently used); touching it should protect it.
	c.Touch(idx1)
	c.EvictOldest()

	if _, ok := c.Find(1, q1); !ok {
		t.Error("expected the touched entry to survive eviction")
	}
	if _, ok := c.Find(2, q2); ok {
		t.Error("expected the untouched entry to be evicted")
	}
}

func TestSweepExpiredOnlyRemovesExpired(t *testing.T) {
	c := New(4)
	qStale := buildQuery(t, "a.example.com", dns.TypeA)
	qFresh := buildQuery(t, "b.example.com", dns.TypeA)
	aStale := buildAnswer(t, qStale, 60)
	aFresh := buildAnswer(t, qFresh, 60)

	c.Admit(1, qStale, aStale, time.Now().Add(-time.Second))
	c.Admit(2, qFresh, aFresh, time.Now().Add(time.Minute))

	c.SweepExpired(time.Now())

	if c.NumEntries() != 1 {
		t.Fatalf("expected 1 surviving entry, got %d", c.NumEntries())
	}
	if _, ok := c.Find(2, qFresh); !ok {
		t.Error("expected the fresh entry to survive the sweep")
	}
}

func TestPendingMarkerSingleFlight(t *testing.T) {
	c := New(4)
	fp := uint32(7)

	if c.HasPendingOrInsert(fp) {
		t.Fatal("expected no existing marker on first call")
	}
	if !c.HasPendingOrInsert(fp) {
		t.Fatal("expected the second call to see the marker inserted by the first")
	}
	if !c.ClearPending(fp) {
		t.Fatal("expected ClearPending to report an existing marker")
	}
	if c.HasPending(fp) {
		t.Fatal("expected no marker after clearing")
	}
	if c.ClearPending(fp) {
		t.Fatal("expected a second ClearPending to report nothing present")
	}
}

func TestFlushClearsEverything(t *testing.T) {
	c := New(4)
	q := buildQuery(t, "flush.example.com", dns.TypeA)
	a := buildAnswer(t, q, 60)
	c.Admit(1, q, a, time.Now().Add(time.Minute))
	c.HasPendingOrInsert(2)

	c.Flush()

	if c.NumEntries() != 0 {
		t.Error("expected 0 entries after flush")
	}
	if c.HasPending(2) {
		t.Error("expected no pending markers after flush")
	}
	if _, ok := c.Find(1, q); ok {
		t.Error("expected no entries findable after flush")
	}

	// the cache must still be usable after a flush
	c.Admit(3, q, a, time.Now().Add(time.Minute))
	if c.NumEntries() != 1 {
		t.Error("expected cache to accept new entries after flush")
	}
}

func TestAnswerTTLPositiveAndNegative(t *testing.T) {
	q := buildQuery(t, "ttl.example.com", dns.TypeA)
	a := buildAnswer(t, q, 123)
	if got := AnswerTTL(a); got != 123 {
		t.Errorf("expected TTL 123, got %d", got)
	}

	neg := new(dns.Msg)
	qm := new(dns.Msg)
	_ = qm.Unpack(q)
	neg.SetReply(qm)
	soa, err := dns.NewRR("example.com. 300 IN SOA ns.example.com. admin.example.com. 1 2 3 4 50")
	if err != nil {
		t.Fatalf("NewRR SOA: %v", err)
	}
	neg.Ns = append(neg.Ns, soa)
	buf, err := neg.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if got := AnswerTTL(buf); got != 50 {
		t.Errorf("expected negative TTL 50 (the MINIMUM field), got %d", got)
	}

	if got := AnswerTTL([]byte{0, 1, 2}); got != 0 {
		t.Errorf("expected TTL 0 for an unparseable answer, got %d", got)
	}
}
