package shmem

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/localcomm/lcomm/common"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, "/lc-test-1", 1024)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, seg.Close())
	}()

	payload := []byte("some payload bytes")
	require.NoError(t, seg.WritePayload(payload))

	read, err := seg.ReadPayload()
	require.NoError(t, err)
	require.Equal(t, payload, read)
}

func TestZeroLengthPayload(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, "/lc-test-zero", 64)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, seg.Close())
	}()

	require.NoError(t, seg.WritePayload(nil))
	read, err := seg.ReadPayload()
	require.NoError(t, err)
	require.Equal(t, 0, len(read))
}

func TestPayloadVisibleThroughSecondMapping(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, "/lc-test-shared", 4096)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, seg.Close())
	}()

	payload := bytes.Repeat([]byte{0xAB}, 1000)
	require.NoError(t, seg.WritePayload(payload))

	other, err := Open(dir, "/lc-test-shared")
	require.NoError(t, err)
	defer func() {
		require.NoError(t, other.Close())
	}()
	require.Equal(t, uint64(4096), other.Capacity())

	read, err := other.ReadPayload()
	require.NoError(t, err)
	require.Equal(t, payload, read)
}

func TestCreateRejectsTinyCapacity(t *testing.T) {
	_, err := Create(t.TempDir(), "/lc-test-tiny", 7)
	require.Error(t, err)
	require.True(t, common.IsLcErrorWithCode(err, common.Protocol))
}

func TestCreateExistingNameFails(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, "/lc-test-dup", 64)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, seg.Close())
	}()

	_, err = Create(dir, "/lc-test-dup", 64)
	require.Error(t, err)
	require.True(t, common.IsLcErrorWithCode(err, common.AlreadyExists))
}

func TestOpenAbsentNameFails(t *testing.T) {
	_, err := Open(t.TempDir(), "/lc-test-absent")
	require.Error(t, err)
	require.True(t, common.IsLcErrorWithCode(err, common.NotFound))
}

func TestWriteTooLargeFails(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, "/lc-test-toolarge", 64)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, seg.Close())
	}()

	err = seg.WritePayload(make([]byte, 57))
	require.Error(t, err)
	require.True(t, common.IsLcErrorWithCode(err, common.TooLarge))

	// The boundary payload exactly fills capacity - header
	require.NoError(t, seg.WritePayload(make([]byte, 56)))
}

func TestReadCorruptHeaderFails(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, "/lc-test-corrupt", 64)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, seg.Close())
	}()

	binary.LittleEndian.PutUint64(seg.mem[:HeaderSize], 1000)
	_, err = seg.ReadPayload()
	require.Error(t, err)
	require.True(t, common.IsLcErrorWithCode(err, common.Corrupt))
}

func TestCloseIsIdempotent(t *testing.T) {
	seg, err := Create(t.TempDir(), "/lc-test-close", 64)
	require.NoError(t, err)
	require.NoError(t, seg.Close())
	require.NoError(t, seg.Close())
}

func TestUnlinkIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, "/lc-test-unlink", 64)
	require.NoError(t, err)
	require.NoError(t, seg.Close())

	require.True(t, Exists(dir, "/lc-test-unlink"))
	require.NoError(t, Unlink(dir, "/lc-test-unlink"))
	require.False(t, Exists(dir, "/lc-test-unlink"))
	require.NoError(t, Unlink(dir, "/lc-test-unlink"))
}

func TestSegmentReuseAcrossDifferingSizes(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, "/lc-test-reuse", 4096)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, seg.Close())
	}()

	big := bytes.Repeat([]byte{1}, 3000)
	require.NoError(t, seg.WritePayload(big))
	read, err := seg.ReadPayload()
	require.NoError(t, err)
	require.Equal(t, big, read)

	small := []byte{9, 8, 7}
	require.NoError(t, seg.WritePayload(small))
	read, err = seg.ReadPayload()
	require.NoError(t, err)
	require.Equal(t, small, read)
}
