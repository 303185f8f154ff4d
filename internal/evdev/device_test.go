package evdev

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func rawEvent(typ, code uint16, value int32) []byte {
	raw := make([]byte, eventSize)
	binary.LittleEndian.PutUint16(raw[16:18], typ)
	binary.LittleEndian.PutUint16(raw[18:20], code)
	binary.LittleEndian.PutUint32(raw[20:24], uint32(value))
	return raw
}

func TestDecodeEvents(t *testing.T) {
	var raw []byte
	raw = append(raw, rawEvent(EV_ABS, ABS_X, -12345)...)
	raw = append(raw, rawEvent(EV_KEY, BTN_TRIGGER, 1)...)
	raw = append(raw, rawEvent(EV_SYN, SYN_REPORT, 0)...)

	events := decodeEvents(raw)
	require.Len(t, events, 3)
	assert.Equal(t, Event{Type: EV_ABS, Code: ABS_X, Value: -12345}, events[0])
	assert.Equal(t, Event{Type: EV_KEY, Code: BTN_TRIGGER, Value: 1}, events[1])
	assert.Equal(t, Event{Type: EV_SYN, Code: SYN_REPORT, Value: 0}, events[2])
}

func TestDecodeEventsIgnoresTrailingPartial(t *testing.T) {
	raw := rawEvent(EV_KEY, BTN_THUMB, 1)
	raw = append(raw, 0x01, 0x02)
	events := decodeEvents(raw)
	require.Len(t, events, 1)
}

func TestPoller(t *testing.T) {
	poller, err := NewPoller()
	require.NoError(t, err)
	defer poller.Close()

	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	require.NoError(t, poller.Add(p[0]))

	fds, err := poller.Wait(0)
	require.NoError(t, err)
	assert.Empty(t, fds, "nothing ready yet")

	_, err = unix.Write(p[1], []byte{1})
	require.NoError(t, err)

	fds, err = poller.Wait(1000)
	require.NoError(t, err)
	assert.Equal(t, []int{p[0]}, fds)

	poller.Remove(p[0])
	var buf [1]byte
	_, _ = unix.Read(p[0], buf[:])
	fds, err = poller.Wait(0)
	require.NoError(t, err)
	assert.Empty(t, fds)
}

func TestNameLookups(t *testing.T) {
	assert.Equal(t, "ABS_HAT0X", AbsName(ABS_HAT0X))
	assert.Equal(t, "BTN_SOUTH", KeyName(BTN_SOUTH))
	assert.Equal(t, "ABS_0x2a", AbsName(0x2a))
	assert.Equal(t, "KEY_0x2c0", KeyName(0x2c0))
}
