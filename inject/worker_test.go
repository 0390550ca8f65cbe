package inject

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Mufanc/zynx/domain"
	"github.com/Mufanc/zynx/ipcfd"
)

func TestEncodeBridgeArgsPacksFdAndVersion(t *testing.T) {
	buf := encodeBridgeArgs(ipcfd.Endpoints{TraceeFd: 7, HostFd: 8}, domain.SpecializeVersion(34))

	assert.Len(t, buf, 8)
	assert.Equal(t, int32(7), int32(binary.LittleEndian.Uint32(buf[0:4])))
	assert.Equal(t, uint32(34), binary.LittleEndian.Uint32(buf[4:8]))
}

func TestEncodeBridgeArgsNoTraceeFdEncodesNegativeOne(t *testing.T) {
	buf := encodeBridgeArgs(ipcfd.Endpoints{}, domain.SpecializeVersion(30))

	assert.Equal(t, int32(-1), int32(binary.LittleEndian.Uint32(buf[0:4])))
}

func TestEncodePayloadMetaOneLibraryPerSegment(t *testing.T) {
	payload := domain.InjectPayload{
		Segments: []domain.Segment{
			{
				Provider: domain.ProviderLiteLoader,
				Libraries: []domain.InjectLibrary{
					{Name: "liblite.so", Type: domain.LibraryNative},
				},
			},
		},
	}

	buf := encodePayloadMeta(payload)

	assert.Equal(t, byte(domain.ProviderLiteLoader), buf[0])
	assert.Equal(t, byte(domain.LibraryNative), buf[1])
	nameLen := binary.LittleEndian.Uint16(buf[2:4])
	assert.Equal(t, uint16(len("liblite.so")), nameLen)
	assert.Equal(t, "liblite.so", string(buf[4:4+nameLen]))
}

func TestEncodePayloadMetaTwoLibrariesAreConsecutiveRecords(t *testing.T) {
	payload := domain.InjectPayload{
		Segments: []domain.Segment{
			{
				Provider:  domain.ProviderZygisk,
				Libraries: []domain.InjectLibrary{{Name: "a.so"}, {Name: "b.so"}},
			},
		},
	}

	buf := encodePayloadMeta(payload)

	firstLen := binary.LittleEndian.Uint16(buf[2:4])
	secondRec := buf[4+firstLen:]
	assert.Equal(t, "a.so", string(buf[4:4+firstLen]))
	secondLen := binary.LittleEndian.Uint16(secondRec[2:4])
	assert.Equal(t, "b.so", string(secondRec[4:4+secondLen]))
}

func TestEncodePayloadMetaAppendsSegmentData(t *testing.T) {
	payload := domain.InjectPayload{
		Segments: []domain.Segment{
			{Provider: domain.ProviderDebugger, Data: []byte("hello")},
		},
	}

	buf := encodePayloadMeta(payload)

	assert.Equal(t, byte(0xFF), buf[0])
	assert.Equal(t, byte(domain.ProviderDebugger), buf[1])
	dataLen := binary.LittleEndian.Uint32(buf[2:6])
	assert.Equal(t, uint32(5), dataLen)
	assert.Equal(t, "hello", string(buf[6:6+dataLen]))
}

func TestPayloadFdsCollectsInSegmentOrder(t *testing.T) {
	payload := domain.InjectPayload{
		Segments: []domain.Segment{
			{Provider: domain.ProviderLiteLoader, Libraries: []domain.InjectLibrary{{Name: "a.so", Fd: 11}, {Name: "b.so", Fd: 12}}},
			{Provider: domain.ProviderZygisk, Libraries: []domain.InjectLibrary{{Name: "c.so", Fd: 13}}},
		},
	}

	assert.Equal(t, []int{11, 12, 13}, payloadFds(payload))
}

func TestApiVersionReturnsFixedLevel(t *testing.T) {
	w := &worker{}
	assert.Equal(t, domain.SpecializeVersion(34), w.apiVersion())
}
