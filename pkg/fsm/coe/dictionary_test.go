package coe

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecmaster-go/ethercat/pkg/fsm"
	"github.com/ecmaster-go/ethercat/pkg/slave"
)

func odListResponse(indices ...uint16) []byte {
	buf := make([]byte, HeaderSize+3+2*len(indices))
	encodeCoEHeader(buf, 0, TypeSDOInformation)
	buf[2] = opGetODListRes
	binary.LittleEndian.PutUint16(buf[HeaderSize+1:], odListAllObjects)
	for i, idx := range indices {
		binary.LittleEndian.PutUint16(buf[HeaderSize+3+2*i:], idx)
	}
	return buf
}

func objectDescResponse(index uint16, objectCode, maxSub uint8, name string) []byte {
	buf := make([]byte, HeaderSize+7+len(name))
	encodeCoEHeader(buf, 0, TypeSDOInformation)
	buf[2] = opGetObjectDescRes
	binary.LittleEndian.PutUint16(buf[HeaderSize+1:], index)
	buf[HeaderSize+3] = objectCode
	buf[HeaderSize+4] = maxSub
	copy(buf[HeaderSize+7:], name)
	return buf
}

func entryDescResponse(index uint16, sub uint8, dataType, bitLength, access uint16, name string) []byte {
	buf := make([]byte, HeaderSize+11+len(name))
	encodeCoEHeader(buf, 0, TypeSDOInformation)
	buf[2] = opGetEntryDescRes
	binary.LittleEndian.PutUint16(buf[HeaderSize+1:], index)
	buf[HeaderSize+3] = sub
	binary.LittleEndian.PutUint16(buf[HeaderSize+5:], dataType)
	binary.LittleEndian.PutUint16(buf[HeaderSize+7:], bitLength)
	binary.LittleEndian.PutUint16(buf[HeaderSize+9:], access)
	copy(buf[HeaderSize+11:], name)
	return buf
}

func infoErrorResponse(code AbortCode) []byte {
	buf := make([]byte, HeaderSize+1+4)
	encodeCoEHeader(buf, 0, TypeSDOInformation)
	buf[2] = opInfoError
	binary.LittleEndian.PutUint32(buf[HeaderSize+1:], uint32(code))
	return buf
}

func TestDictionaryEnumeratesObjectsAndEntries(t *testing.T) {
	s := newTestSlave()
	dict := slave.NewDictionary()
	d := NewDictionary(discardLogger(), s, 0, dict)

	responses := [][]byte{
		odListResponse(0x6041),
		objectDescResponse(0x6041, 0x07, 1, "Status word"),
		entryDescResponse(0x6041, 0, 0x0006, 16, 0x07, "max sub-index"),
		entryDescResponse(0x6041, 1, 0x0006, 16, 0x07, "status word"),
	}
	srv := &server{t: t, s: s, responses: responses}

	progress := srv.run(d.Exec, d.Consume)
	require.Equal(t, fsm.Done, progress)

	obj, ok := dict.Objects[0x6041]
	require.True(t, ok)
	assert.Equal(t, uint8(0x07), obj.ObjectCode)
	assert.Equal(t, "Status word", obj.Name)
	require.Len(t, obj.Entries, 2)
	assert.True(t, obj.Entries[0].Populated)
	assert.Equal(t, "status word", obj.Entries[1].Description)
}

func TestDictionarySkipsObjectOnDescribeAbort(t *testing.T) {
	s := newTestSlave()
	dict := slave.NewDictionary()
	d := NewDictionary(discardLogger(), s, 0, dict)

	responses := [][]byte{
		odListResponse(0x2000, 0x6041),
		infoErrorResponse(AbortNotExist),
		objectDescResponse(0x6041, 0x07, 0, "Status word"),
	}
	srv := &server{t: t, s: s, responses: responses}

	progress := srv.run(d.Exec, d.Consume)
	require.Equal(t, fsm.Done, progress)

	_, has2000 := dict.Objects[0x2000]
	assert.False(t, has2000)
	obj, ok := dict.Objects[0x6041]
	require.True(t, ok)
	assert.Equal(t, "Status word", obj.Name)
}

func TestDictionaryLeavesHoleOnEntryAbort(t *testing.T) {
	s := newTestSlave()
	dict := slave.NewDictionary()
	d := NewDictionary(discardLogger(), s, 0, dict)

	responses := [][]byte{
		odListResponse(0x6041),
		objectDescResponse(0x6041, 0x07, 1, "Status word"),
		infoErrorResponse(AbortGeneral),
		entryDescResponse(0x6041, 1, 0x0006, 16, 0x07, "status word"),
	}
	srv := &server{t: t, s: s, responses: responses}

	progress := srv.run(d.Exec, d.Consume)
	require.Equal(t, fsm.Done, progress)

	obj := dict.Objects[0x6041]
	_, hasSub0 := obj.Entries[0]
	assert.False(t, hasSub0, "entry 0 should be left as a hole")
	require.Contains(t, obj.Entries, uint8(1))
	assert.True(t, obj.Entries[1].Populated)
}
