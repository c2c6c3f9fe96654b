package dnswire

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildQuery(id uint16, name string, qtype uint16) []byte {
	buf := make([]byte, headerLen)
	binary.BigEndian.PutUint16(buf[0:2], id)
	binary.BigEndian.PutUint16(buf[4:6], 1) // qdcount

	buf = append(buf, encodeNameUncompressed(name)...)
	buf = appendUint16(buf, qtype)
	buf = appendUint16(buf, classIN)
	return buf
}

func TestDecodeQuery(t *testing.T) {
	assert := require.New(t)

	raw := buildQuery(0x1234, "Example.COM", TypeA)
	q, err := Decode(raw)
	assert.NoError(err)
	assert.Equal(uint16(0x1234), q.ID)
	assert.Equal("example.com", q.Name)
	assert.Equal(uint16(TypeA), q.QType)
	assert.Equal(uint16(classIN), q.QClass)
}

func TestDecodeRejectsMultiQuestion(t *testing.T) {
	assert := require.New(t)

	buf := make([]byte, headerLen)
	binary.BigEndian.PutUint16(buf[4:6], 2) // qdcount = 2
	_, err := Decode(buf)
	assert.ErrorIs(err, ErrMalformed)
}

func TestDecodeRejectsCompressedQueryName(t *testing.T) {
	assert := require.New(t)

	buf := make([]byte, headerLen)
	binary.BigEndian.PutUint16(buf[4:6], 1)
	buf = append(buf, 0xC0, 0x0C) // a compression pointer where a label length is expected
	_, err := Decode(buf)
	assert.ErrorIs(err, ErrMalformed)
}

func TestEncodeResponseEchoesQuestionAndCompressesAnswerName(t *testing.T) {
	assert := require.New(t)

	raw := buildQuery(0x5555, "host.example.com", TypeA)
	q, err := Decode(raw)
	assert.NoError(err)

	resp := EncodeResponse(q, FlagsSuccess, []Answer{
		{Type: TypeA, TTL: 60, IP: net.ParseIP("192.168.1.1")},
	})

	assert.Equal(uint16(0x5555), binary.BigEndian.Uint16(resp[0:2]))
	assert.Equal(uint16(FlagsSuccess), binary.BigEndian.Uint16(resp[2:4]))
	assert.Equal(uint16(1), binary.BigEndian.Uint16(resp[4:6])) // qdcount
	assert.Equal(uint16(1), binary.BigEndian.Uint16(resp[6:8])) // ancount

	qNameLen := len(encodeNameUncompressed(q.Name))
	answerOff := headerLen + qNameLen + 4 // +QTYPE/QCLASS
	nameField := binary.BigEndian.Uint16(resp[answerOff : answerOff+2])
	assert.Equal(uint16(0xC000|nameStartOffset), nameField)

	rdlenOff := answerOff + 10 // name(2)+type(2)+class(2)+ttl(4)
	rdlength := binary.BigEndian.Uint16(resp[rdlenOff : rdlenOff+2])
	assert.Equal(uint16(4), rdlength)
	rdata := resp[rdlenOff+2 : rdlenOff+2+4]
	assert.Equal(net.ParseIP("192.168.1.1").To4(), net.IP(rdata))
}

func TestEncodeResponseNXDomainHasNoAnswers(t *testing.T) {
	assert := require.New(t)

	raw := buildQuery(1, "nonexistent.zz", TypeA)
	q, err := Decode(raw)
	assert.NoError(err)

	resp := EncodeResponse(q, FlagsNXDomain, nil)
	assert.Equal(uint16(FlagsNXDomain), binary.BigEndian.Uint16(resp[2:4]))
	assert.Equal(uint16(0), binary.BigEndian.Uint16(resp[6:8]))
}

func TestEncodeResponsePreservesOriginalQuestionCasing(t *testing.T) {
	assert := require.New(t)

	raw := buildQuery(0x7777, "Example.COM", TypeA)
	q, err := Decode(raw)
	assert.NoError(err)
	assert.Equal("example.com", q.Name) // normalized for lookups

	resp := EncodeResponse(q, FlagsSuccess, nil)

	wantQuestion := encodeNameUncompressed("Example.COM")
	gotQuestion := resp[headerLen : headerLen+len(wantQuestion)]
	assert.Equal(wantQuestion, gotQuestion) // echoed verbatim, not re-cased to lowercase
}

func TestReverseName(t *testing.T) {
	assert := require.New(t)

	assert.Equal("1.1.168.192.in-addr.arpa", ReverseName(net.ParseIP("192.168.1.1")))
}

func TestEncodeDecodeNameRoundTrip(t *testing.T) {
	assert := require.New(t)

	names := []string{"a.b.c", "single", ""}
	for _, n := range names {
		encoded := encodeNameUncompressed(n)
		decoded, off, err := decodeName(encoded, 0)
		assert.NoError(err)
		assert.Equal(len(encoded), off)
		if n == "" {
			assert.Equal("", decoded)
		} else {
			assert.Equal(n, decoded)
		}
	}
}
