package wireproto

import (
	"bufio"
	"net"
	"testing"
)

func TestSendReadJSONRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	req := Request{Method: "login", Params: map[string]interface{}{"username": "alice"}}

	go func() {
		SendJSON(client, req)
	}()

	reader := bufio.NewReader(server)
	var got Request
	if err := ReadJSON(reader, server, DefaultReadTimeout, &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Method != "login" || got.Params["username"] != "alice" {
		t.Fatalf("got %+v", got)
	}
}

func TestResponseHelpers(t *testing.T) {
	ok := OK("registered", map[string]interface{}{"id": "1"})
	if !ok.IsOK() {
		t.Fatalf("expected OK response to report success")
	}
	bad := Err("Login expirado")
	if bad.IsOK() {
		t.Fatalf("expected Err response to report failure")
	}
	if bad.Message != "Login expirado" {
		t.Fatalf("got %q", bad.Message)
	}
}
