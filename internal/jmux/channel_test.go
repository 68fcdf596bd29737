package jmux

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannelSendBudgetClampedByWindowAndMaxPacket(t *testing.T) {
	ch := newChannel(1)
	ch.markOpen(2, 100, 40)
	require.EqualValues(t, 40, ch.SendBudget())

	ch.reserveSend(40)
	require.EqualValues(t, 40, ch.SendBudget()) // window=60, maxPacket=40
}

func TestChannelCreditReplenishesWithinMaxPacketClamp(t *testing.T) {
	ch := newChannel(1)
	ch.markOpen(2, 50, 40)
	require.EqualValues(t, 40, ch.SendBudget())

	ch.reserveSend(40)
	require.EqualValues(t, 10, ch.SendBudget())

	require.NoError(t, ch.creditSend(20))
	require.EqualValues(t, 30, ch.SendBudget())
}

func TestChannelCreditSendOverflowRejected(t *testing.T) {
	ch := newChannel(1)
	ch.markOpen(2, 0xFFFFFFF0, 1024)
	err := ch.creditSend(0xFFFFFFFF)
	require.Error(t, err)
}

func TestChannelEofBothDirectionsReachesClosing(t *testing.T) {
	ch := newChannel(1)
	ch.markOpen(2, 100, 100)

	require.True(t, ch.onRecvEof())
	require.Equal(t, StateRemoteEof, ch.State())

	require.True(t, ch.onSendEof())
	require.Equal(t, StateClosing, ch.State())
}

func TestChannelConsumeRecvRejectsOverWindow(t *testing.T) {
	ch := newChannel(1)
	_, err := ch.consumeRecv(DefaultInitialWindow + 1)
	require.Error(t, err)
}

func TestChannelConsumeRecvRejectsOverMaxPacketEvenWithinWindow(t *testing.T) {
	ch := newChannel(1)
	_, err := ch.consumeRecv(DefaultMaxPacketSize + 1)
	require.Error(t, err, "frame exceeds the advertised max_packet though it fits in recvWindow")
}

func TestChannelOnCloseIsIdempotentAndClosesDataOut(t *testing.T) {
	ch := newChannel(1)
	require.True(t, ch.onClose())
	require.False(t, ch.onClose())

	_, ok := <-ch.DataOut
	require.False(t, ok, "DataOut should be closed")
}
