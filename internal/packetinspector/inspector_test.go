package packetinspector

import "testing"

// buildQuery assembles a minimal, valid query for "example.com" of the given qtype, with id and
// an RD bit, and optionally one additional OPT record.
func buildQuery(t *testing.T, id uint16, rd bool, qtype uint16, withOPT bool) []byte {
	t.Helper()

	var qname []byte
	for _, label := range []string{"example", "com"} {
		qname = append(qname, byte(len(label)))
		qname = append(qname, []byte(label)...)
	}
	qname = append(qname, 0)

	hdr := make([]byte, 12)
	hdr[0], hdr[1] = byte(id>>8), byte(id)
	if rd {
		hdr[2] = 1
	}
	hdr[4], hdr[5] = 0, 1 // QDCOUNT=1
	arCount := 0
	if withOPT {
		arCount = 1
	}
	hdr[10], hdr[11] = 0, byte(arCount)

	buf := append([]byte{}, hdr...)
	buf = append(buf, qname...)
	buf = append(buf, byte(qtype>>8), byte(qtype))
	buf = append(buf, 0, 1) // CLASS IN

	if withOPT {
		buf = append(buf, 0)          // root name
		buf = append(buf, 0, 41)      // TYPE OPT
		buf = append(buf, 4, 0)       // CLASS = UDP size 1024
		buf = append(buf, 0, 0, 0, 0) // TTL
		buf = append(buf, 0, 0)       // RDLENGTH 0
	}

	return buf
}

func TestValidateQueryAccepts(t *testing.T) {
	for _, qtype := range []uint16{1, 12, 15, 28, 255} {
		q := buildQuery(t, 1, true, qtype, false)
		if !ValidateQuery(q) {
			t.Errorf("expected valid query for qtype %d", qtype)
		}
	}

	withOPT := buildQuery(t, 2, false, 1, true)
	if !ValidateQuery(withOPT) {
		t.Error("expected valid query with one additional OPT record")
	}
}

func TestValidateQueryIgnoresTCRDCDAD(t *testing.T) {
	q := buildQuery(t, 1, true, 1, false)
	q[2] |= 0x02 // TC bit
	q[3] = 0x30  // AD and CD bits
	if !ValidateQuery(q) {
		t.Error("TC, RD, CD and AD bits must not affect validity")
	}
}

func TestValidateQueryRejects(t *testing.T) {
	cases := map[string][]byte{
		"too short": make([]byte, 11),
	}
	for name, q := range cases {
		if ValidateQuery(q) {
			t.Errorf("%s: expected rejection", name)
		}
	}

	qrSet := buildQuery(t, 1, true, 1, false)
	qrSet[2] |= 0x80 // QR bit set
	if ValidateQuery(qrSet) {
		t.Error("expected rejection with QR bit set")
	}

	opcodeSet := buildQuery(t, 1, true, 1, false)
	opcodeSet[2] |= 0x08
	if ValidateQuery(opcodeSet) {
		t.Error("expected rejection with non-zero opcode")
	}

	rcodeSet := buildQuery(t, 1, true, 1, false)
	rcodeSet[3] |= 0x01
	if ValidateQuery(rcodeSet) {
		t.Error("expected rejection with non-zero rcode")
	}

	twoAdditional := buildQuery(t, 1, true, 1, false)
	twoAdditional[11] = 2
	if ValidateQuery(twoAdditional) {
		t.Error("expected rejection with ARCOUNT > 1")
	}

	zeroQuestions := buildQuery(t, 1, true, 1, false)
	zeroQuestions[5] = 0
	if ValidateQuery(zeroQuestions) {
		t.Error("expected rejection with QDCOUNT 0")
	}

	unsupportedType := buildQuery(t, 1, true, 16, false) // TXT, unsupported
	if ValidateQuery(unsupportedType) {
		t.Error("expected rejection for unsupported qtype")
	}

	withAnswer := buildQuery(t, 1, true, 1, false)
	withAnswer[6], withAnswer[7] = 0, 1 // ANCOUNT = 1
	if ValidateQuery(withAnswer) {
		t.Error("expected rejection when ANCOUNT is non-zero")
	}

	longLabel := buildQuery(t, 1, true, 1, false)
	longLabel[12] = 64 // label length 64 exceeds the 63-byte maximum, must be rejected
	if ValidateQuery(longLabel) {
		t.Error("expected rejection for a label length >= 64")
	}
}

func TestHashStableAcrossIDAndTC(t *testing.T) {
	a := buildQuery(t, 1, true, 1, false)
	b := buildQuery(t, 2, true, 1, false)
	b[2] |= 0x02 // TC bit differs too

	if Hash(a) != Hash(b) {
		t.Error("hash must be independent of query ID and TC bit")
	}
}

func TestHashDiffersOnRD(t *testing.T) {
	a := buildQuery(t, 1, true, 1, false)
	b := buildQuery(t, 1, false, 1, false)

	if Hash(a) == Hash(b) {
		t.Error("hash must differ when RD differs")
	}
}

func TestHashDiffersOnType(t *testing.T) {
	a := buildQuery(t, 1, true, 1, false)
	b := buildQuery(t, 1, true, 28, false)

	if Hash(a) == Hash(b) {
		t.Error("hash must differ when qtype differs")
	}
}

func TestEqualsMatchesIgnoringIDAndTC(t *testing.T) {
	a := buildQuery(t, 1, true, 1, false)
	b := buildQuery(t, 99, true, 1, false)
	b[2] |= 0x02

	if !Equals(a, b) {
		t.Error("expected equal queries differing only in ID and TC")
	}
}

func TestEqualsDiffersOnRDOrCDAD(t *testing.T) {
	a := buildQuery(t, 1, true, 1, false)
	b := buildQuery(t, 1, false, 1, false)
	if Equals(a, b) {
		t.Error("expected inequality on differing RD bit")
	}

	c := buildQuery(t, 1, true, 1, false)
	d := buildQuery(t, 1, true, 1, false)
	d[3] = 0x20
	if Equals(c, d) {
		t.Error("expected inequality on differing AD/CD byte")
	}
}

func TestEqualsDiffersOnAdditional(t *testing.T) {
	a := buildQuery(t, 1, true, 1, false)
	b := buildQuery(t, 1, true, 1, true)
	if Equals(a, b) {
		t.Error("expected inequality when one query carries an additional record and the other doesn't")
	}
}

func TestEqualsSameAdditional(t *testing.T) {
	a := buildQuery(t, 1, true, 1, true)
	b := buildQuery(t, 2, true, 1, true)
	if !Equals(a, b) {
		t.Error("expected equality when both queries carry the same additional record")
	}
}
