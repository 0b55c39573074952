package kmsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCopyinResult(t *testing.T) {
	tests := []struct {
		in, want Disposition
	}{
		{TypeMoveReceive, TypePortReceive},
		{TypeMoveSend, TypePortSend},
		{TypeCopySend, TypePortSend},
		{TypeMakeSend, TypePortSend},
		{TypeMoveSendOnce, TypePortSendOnce},
		{TypeMakeSendOnce, TypePortSendOnce},
		{TypeNone, TypeNone},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.in.CopyinResult(), tt.in.String())
	}
}

func TestDispositionClasses(t *testing.T) {
	assert.True(t, TypeMoveReceive.IsAnyRight())
	assert.False(t, TypeMoveReceive.IsAnySend())
	assert.True(t, TypeMakeSendOnce.IsAnySend())
	assert.False(t, TypeCopyReceive.IsAnyRight())
	assert.False(t, TypePortName.IsAnySend())
	assert.True(t, TypeMakeSend.IsMake())
	assert.False(t, TypeCopySend.IsMake())
	assert.Equal(t, "disposition(99)", Disposition(99).String())
}

func TestBits(t *testing.T) {
	b := MakeBits(TypeCopySend, TypeMakeSendOnce) | BitsComplex | Bits(TypeMoveSend)<<16

	assert.Equal(t, TypeCopySend, b.Remote())
	assert.Equal(t, TypeMakeSendOnce, b.Local())
	assert.Equal(t, TypeMoveSend, b.Voucher())
	assert.True(t, b.Complex())
	assert.False(t, b.Circular())
	assert.Equal(t, BitsComplex|Bits(TypeMoveSend)<<16, b.Other())
}

func TestTimestampWraparound(t *testing.T) {
	assert.True(t, Timestamp(1).Before(2))
	assert.False(t, Timestamp(2).Before(2))
	assert.True(t, Timestamp(0xfffffffe).Before(1), "ordering survives wraparound")
	assert.False(t, Timestamp(1).Before(0xfffffffe))
}

func TestNames(t *testing.T) {
	assert.False(t, NameNull.Valid())
	assert.False(t, NameDead.Valid())
	assert.True(t, Name(0x103).Valid())
	assert.Equal(t, "dead", NameDead.String())
	assert.Equal(t, "0x103", Name(0x103).String())
	assert.Equal(t, NameDead, nameForObject(objectForName(NameDead)))
	assert.Equal(t, NameNull, nameForObject(objectForName(NameNull)))
}
