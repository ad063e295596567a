// Package packetinspector validates, hashes and compares DNS query packets without parsing them
// into a dns.Msg. It operates directly on the wire bytes because the cache's hot path cannot
// afford the allocations that a full unpack would cost on every lookup.
//
// The three operations - ValidateQuery, Hash and Equals - all walk the same projection of a
// query packet: the RD bit, the second header byte in full, the question records and the (at
// most one) additional record. A byte outside that projection, such as the query ID or the TC
// bit, never affects a hash or a comparison.
package packetinspector

import "github.com/miekg/dns"

const (
	headerSize = 12

	fnvMult  = 16777619
	fnvBasis = 2166136261
)

// supportedTypes/classINBytes are built from github.com/miekg/dns's rcode/qtype constants
// rather than redeclared magic numbers, so this package's notion of "A record" never drifts
// from the one the send engine uses once it's parsing full messages with dns.Msg.
func typeBytes(t uint16) []byte { return []byte{byte(t >> 8), byte(t)} }

// cursor is a read-only scanner over a byte slice. It carries its position by value so none of
// the functions below allocate; passing a *cursor only ever aliases the caller's slice.
type cursor struct {
	buf []byte
	off int
}

func newCursor(buf []byte) cursor {
	return cursor{buf: buf}
}

func (c *cursor) remaining() int {
	return len(c.buf) - c.off
}

// skip advances the cursor by n bytes, clamping to the end of the buffer, mirroring
// _dnsPacket_skip's saturating behaviour.
func (c *cursor) skip(n int) {
	c.off += n
	if c.off > len(c.buf) {
		c.off = len(c.buf)
	}
}

// u16 reads a big-endian uint16 and advances, or reports false without moving the cursor.
func (c *cursor) u16() (uint16, bool) {
	if c.off+2 > len(c.buf) {
		return 0, false
	}
	v := uint16(c.buf[c.off])<<8 | uint16(c.buf[c.off+1])
	c.off += 2
	return v, true
}

// checkBytes compares the next len(want) bytes against want. The cursor only advances on a match.
func (c *cursor) checkBytes(want []byte) bool {
	if c.off+len(want) > len(c.buf) {
		return false
	}
	for i, b := range want {
		if c.buf[c.off+i] != b {
			return false
		}
	}
	c.off += len(want)
	return true
}

// checkQName walks a label sequence terminated by a zero-length label. Any length byte >= 64 is
// rejected, which also rejects compression pointers (a leading 2-bit 11 marker, i.e. a length
// byte >= 192): queries built by this resolver never compress the QNAME, and the original cache
// never needed to follow one.
func (c *cursor) checkQName() bool {
	for {
		if c.off >= len(c.buf) {
			return false
		}
		l := int(c.buf[c.off])
		c.off++
		if l == 0 {
			return true
		}
		if l >= 64 {
			return false
		}
		if c.off+l > len(c.buf) {
			return false
		}
		c.off += l
	}
}

var supportedTypes = [][]byte{
	typeBytes(dns.TypeA),
	typeBytes(dns.TypePTR),
	typeBytes(dns.TypeMX),
	typeBytes(dns.TypeAAAA),
	typeBytes(dns.TypeANY),
}

var classINBytes = typeBytes(dns.ClassINET)

// checkQR validates one question record: QNAME, then TYPE from the supported set, then CLASS IN.
func (c *cursor) checkQR() bool {
	if !c.checkQName() {
		return false
	}
	matched := false
	for _, want := range supportedTypes {
		if c.checkBytes(want) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	return c.checkBytes(classINBytes)
}

// ValidateQuery reports whether query is a well-formed, cacheable DNS query: a 12-byte header
// with QR/Opcode/AA/RA/Z/RCODE all zero (TC, RD, CD and AD are ignored here, since they can
// legitimately vary between an initial send and a later cache lookup for the "same" query), zero
// answer and authority records, at most one additional record, at least one question, and every
// question record parsing as a simple label sequence with a supported TYPE and CLASS IN.
//
// Length checks always precede content checks, and the first record that fails aborts
// validation immediately; ValidateQuery never reports which record failed.
func ValidateQuery(query []byte) bool {
	if len(query) < headerSize {
		return false
	}

	if query[2]&0xFC != 0 || query[3]&0xCF != 0 {
		return false
	}

	qdCount := int(query[4])<<8 | int(query[5])
	anCount := int(query[6])<<8 | int(query[7])
	nsCount := int(query[8])<<8 | int(query[9])
	arCount := int(query[10])<<8 | int(query[11])

	if anCount != 0 || nsCount != 0 || arCount > 1 {
		return false
	}
	if qdCount == 0 {
		return false
	}

	c := cursor{buf: query, off: headerSize}
	for ; qdCount > 0; qdCount-- {
		if !c.checkQR() {
			return false
		}
	}

	return true
}

// hashBytes folds numBytes (clamped to what remains in the buffer) into hash using FNV-1a,
// advancing the cursor by however many bytes it actually folded.
func (c *cursor) hashBytes(numBytes int, hash uint32) uint32 {
	for numBytes > 0 && c.off < len(c.buf) {
		hash = (hash ^ uint32(c.buf[c.off])) * fnvMult
		c.off++
		numBytes--
	}
	return hash
}

func (c *cursor) hashQName(hash uint32) uint32 {
	for {
		if c.off >= len(c.buf) {
			return hash
		}
		l := int(c.buf[c.off])
		c.off++
		if l == 0 {
			return hash
		}
		if l >= 64 {
			return hash
		}
		if c.off+l > len(c.buf) {
			return hash
		}
		for i := 0; i < l; i++ {
			hash = (hash ^ uint32(c.buf[c.off])) * fnvMult
			c.off++
		}
	}
}

func (c *cursor) hashQR(hash uint32) uint32 {
	hash = c.hashQName(hash)
	hash = c.hashBytes(4, hash) // TYPE and CLASS
	return hash
}

func (c *cursor) hashRR(hash uint32) uint32 {
	hash = c.hashQR(hash)
	hash = c.hashBytes(4, hash) // TTL
	rdlength, ok := c.u16()
	if !ok {
		return hash
	}
	return c.hashBytes(int(rdlength), hash)
}

// Hash computes the FNV-1a fingerprint of query over the same projection ValidateQuery checks:
// the RD bit, the full second header byte (covering CD and AD), QDCOUNT questions and ARCOUNT
// additional records. Callers must validate the query first; Hash assumes a well-formed packet
// and degrades gracefully (it never panics) rather than re-checking.
func Hash(query []byte) uint32 {
	hash := uint32(fnvBasis)
	if len(query) < headerSize {
		return hash
	}

	c := cursor{buf: query}
	c.skip(2) // ID is not part of the fingerprint

	hash = (hash ^ uint32(query[2]&1)) * fnvMult // RD bit only
	c.skip(1)

	hash = c.hashBytes(1, hash) // second header byte, in full

	qdCount, _ := c.u16()
	c.skip(4) // ANCOUNT + NSCOUNT, assumed zero
	arCount, _ := c.u16()

	for ; qdCount > 0; qdCount-- {
		hash = c.hashQR(hash)
	}
	for ; arCount > 0; arCount-- {
		hash = c.hashRR(hash)
	}

	return hash
}

func equalDomainName(c1, c2 *cursor) bool {
	for {
		if c1.off >= len(c1.buf) || c2.off >= len(c2.buf) {
			return false
		}
		b1, b2 := c1.buf[c1.off], c2.buf[c2.off]
		c1.off++
		c2.off++
		if b1 != b2 {
			return false
		}
		if b1 == 0 {
			return true
		}
		if b1 >= 64 {
			return false
		}
		if c1.off+int(b1) > len(c1.buf) || c2.off+int(b1) > len(c2.buf) {
			return false
		}
		for i := 0; i < int(b1); i++ {
			if c1.buf[c1.off+i] != c2.buf[c2.off+i] {
				return false
			}
		}
		c1.off += int(b1)
		c2.off += int(b1)
	}
}

func equalBytes(c1, c2 *cursor, numBytes int) bool {
	if c1.off+numBytes > len(c1.buf) || c2.off+numBytes > len(c2.buf) {
		return false
	}
	for i := 0; i < numBytes; i++ {
		if c1.buf[c1.off+i] != c2.buf[c2.off+i] {
			return false
		}
	}
	c1.off += numBytes
	c2.off += numBytes
	return true
}

func equalQR(c1, c2 *cursor) bool {
	if !equalDomainName(c1, c2) {
		return false
	}
	return equalBytes(c1, c2, 4) // TYPE + CLASS
}

func equalRR(c1, c2 *cursor) bool {
	if !equalQR(c1, c2) || !equalBytes(c1, c2, 4) { // query + TTL
		return false
	}
	l1, ok1 := c1.u16()
	l2, ok2 := c2.u16()
	if !ok1 || !ok2 || l1 != l2 {
		return false
	}
	return equalBytes(c1, c2, int(l1))
}

// Equals reports whether a and b are the same query for cache purposes: same RD bit, same
// second header byte, same QDCOUNT questions and ARCOUNT additional records, byte for byte.
// Both slices must already have passed ValidateQuery.
func Equals(a, b []byte) bool {
	if len(a) < headerSize || len(b) < headerSize {
		return false
	}

	if a[2]&1 != b[2]&1 {
		return false
	}
	if a[3] != b[3] {
		return false
	}

	c1 := cursor{buf: a, off: 4}
	c2 := cursor{buf: b, off: 4}

	qd1, ok1 := c1.u16()
	qd2, ok2 := c2.u16()
	if !ok1 || !ok2 || qd1 != qd2 {
		return false
	}

	c1.skip(4) // ANCOUNT + NSCOUNT, assumed zero
	c2.skip(4)

	ar1, ok1 := c1.u16()
	ar2, ok2 := c2.u16()
	if !ok1 || !ok2 || ar1 != ar2 {
		return false
	}

	for ; qd1 > 0; qd1-- {
		if !equalQR(&c1, &c2) {
			return false
		}
	}
	for ; ar1 > 0; ar1-- {
		if !equalRR(&c1, &c2) {
			return false
		}
	}

	return true
}
