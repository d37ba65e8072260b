package protocol

import (
	"errors"
	"testing"

	"github.com/fansqz/go-bpsync/constants"
	e "github.com/fansqz/go-bpsync/error"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSetBreakpointsResult(t *testing.T) {
	data := []byte(`{"type":"setBreakpointsResult","sequence":7,"kind":"regular",` +
		`"results":[{"address":1110,"errorCode":0},{"address":1200,"errorCode":5}]}`)
	message, err := Decode(data)
	require.Nil(t, err)
	result, ok := message.(*SetBreakpointsResult)
	require.True(t, ok)
	assert.Equal(t, uint(7), result.Sequence)
	assert.Equal(t, constants.RegularBreakpoint, result.Kind)
	assert.Equal(t, []AddressResult{{Address: 0x456, ErrorCode: 0}, {Address: 0x4b0, ErrorCode: 5}}, result.Results)
}

func TestDecodeBreakpointHit(t *testing.T) {
	data := []byte(`{"type":"breakpointHit","kind":"regular","address":1110,` +
		`"thread":{"threadId":3,"registers":[{"name":"eax","value":1},{"name":"eip","value":1110,"pc":true}]}}`)
	message, err := Decode(data)
	require.Nil(t, err)
	hit := message.(*BreakpointHitEvent)
	assert.Equal(t, 3, hit.Thread.ThreadID)
	pc, ok := hit.Thread.ProgramCounter()
	assert.True(t, ok)
	assert.Equal(t, uint64(0x456), pc)
}

func TestEncodeKeepsType(t *testing.T) {
	command := NewRemoveBreakpointsCommand(constants.EchoBreakpoint, []uint64{0x10, 0x20})
	command.Sequence = 3
	data, err := Encode(command)
	require.Nil(t, err)
	message, err := Decode(data)
	require.Nil(t, err)
	assert.Equal(t, command, message)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"launch"}`))
	assert.True(t, errors.Is(err, e.ErrUnknownMessage))

	_, err = Decode([]byte(`not json`))
	assert.NotNil(t, err)
}
