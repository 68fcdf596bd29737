package recording

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// dialConnPair spins up a single websocket connection over an
// httptest.Server and returns both ends wrapped in this package's Conn,
// mirroring how Store.Pull upgrades a jrec/pull request.
func dialConnPair(t *testing.T) (server *Conn, client *Conn, cleanup func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverCh <- ws
	}))

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientWS, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	serverWS := <-serverCh

	return NewConn(serverWS), NewConn(clientWS), func() {
		clientWS.Close()
		serverWS.Close()
		srv.Close()
	}
}

func TestConnWriteMetadataAndReadOnClient(t *testing.T) {
	server, client, cleanup := dialConnPair(t)
	defer cleanup()

	require.NoError(t, server.WriteMetadata(CodecVP9))

	_, data, err := client.ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, tagMetadata, data[0])
	require.Equal(t, "vp9", string(data[1:]))
}

func TestConnWriteChunkAndReadOnClient(t *testing.T) {
	server, client, cleanup := dialConnPair(t)
	defer cleanup()

	chunk := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	require.NoError(t, server.WriteChunk(chunk))

	_, data, err := client.ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, tagChunk, data[0])
	require.Equal(t, chunk, data[5:])
}

func TestConnWriteEndAndError(t *testing.T) {
	server, client, cleanup := dialConnPair(t)
	defer cleanup()

	require.NoError(t, server.WriteEnd())
	_, data, err := client.ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, []byte{tagEnd}, data)

	require.NoError(t, server.WriteError(ErrorUnexpectedEOF))
	_, data, err = client.ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, tagError, data[0])
	require.Equal(t, "unexpected_eof", string(data[1:]))
}

func TestConnReadClientMessage(t *testing.T) {
	server, client, cleanup := dialConnPair(t)
	defer cleanup()

	require.NoError(t, client.ws.WriteMessage(websocket.BinaryMessage, []byte{tagStart}))
	kind, err := server.ReadClientMessage()
	require.NoError(t, err)
	require.Equal(t, ClientStart, kind)

	require.NoError(t, client.ws.WriteMessage(websocket.BinaryMessage, []byte{tagPull}))
	kind, err = server.ReadClientMessage()
	require.NoError(t, err)
	require.Equal(t, ClientPull, kind)
}

func TestConnReadClientMessageRejectsUnknownTag(t *testing.T) {
	server, client, cleanup := dialConnPair(t)
	defer cleanup()

	require.NoError(t, client.ws.WriteMessage(websocket.BinaryMessage, []byte{0xff}))
	_, err := server.ReadClientMessage()
	require.Error(t, err)
}

func TestConnReadClientMessageRejectsEmptyMessage(t *testing.T) {
	server, client, cleanup := dialConnPair(t)
	defer cleanup()

	require.NoError(t, client.ws.WriteMessage(websocket.BinaryMessage, []byte{}))
	_, err := server.ReadClientMessage()
	require.Error(t, err)
}
