package ukey2

import "testing"

// runHandshake drives two Channels to completion, relaying messages
// between them exactly as a real transport would, and returns both once
// Established.
func runHandshake(t *testing.T) (*Channel, *Channel) {
	t.Helper()

	initiator, err := NewChannel(RoleInitiator)
	if err != nil {
		t.Fatalf("NewChannel(initiator): %v", err)
	}
	responder, err := NewChannel(RoleResponder)
	if err != nil {
		t.Fatalf("NewChannel(responder): %v", err)
	}

	msg, err := initiator.Start()
	if err != nil {
		t.Fatalf("initiator.Start: %v", err)
	}
	if _, err := responder.Start(); err != nil {
		t.Fatalf("responder.Start: %v", err)
	}

	reply, respToken, err := responder.HandleHandshakeMessage(msg)
	if err != nil {
		t.Fatalf("responder.HandleHandshakeMessage: %v", err)
	}
	if reply == nil {
		t.Fatalf("responder produced no reply message")
	}

	initReply, initToken, err := initiator.HandleHandshakeMessage(reply)
	if err != nil {
		t.Fatalf("initiator.HandleHandshakeMessage: %v", err)
	}
	if initToken == nil {
		t.Fatalf("initiator did not reach verification_needed")
	}
	if initReply != nil {
		t.Fatalf("initiator unexpectedly produced a further handshake message")
	}
	if respToken == nil {
		t.Fatalf("responder did not reach verification_needed")
	}

	if initToken.PairingCode != respToken.PairingCode {
		t.Fatalf("pairing codes diverge: initiator=%q responder=%q", initToken.PairingCode, respToken.PairingCode)
	}
	if len(initToken.PairingCode) != 6 {
		t.Fatalf("pairing code length = %d, want 6", len(initToken.PairingCode))
	}

	if err := initiator.NotifyPairingCodeAccepted(); err != nil {
		t.Fatalf("initiator.NotifyPairingCodeAccepted: %v", err)
	}
	if err := responder.NotifyPairingCodeAccepted(); err != nil {
		t.Fatalf("responder.NotifyPairingCodeAccepted: %v", err)
	}

	if initiator.State() != StateEstablished || responder.State() != StateEstablished {
		t.Fatalf("channels not established: initiator=%v responder=%v", initiator.State(), responder.State())
	}
	return initiator, responder
}

func TestFreshHandshakeInterop(t *testing.T) {
	initiator, responder := runHandshake(t)

	plaintext := []byte("hello from the initiator")
	ciphertext, err := initiator.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := responder.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("round trip = %q, want %q", got, plaintext)
	}

	reply, err := responder.Encrypt([]byte("ack"))
	if err != nil {
		t.Fatalf("responder.Encrypt: %v", err)
	}
	gotReply, err := initiator.Decrypt(reply)
	if err != nil {
		t.Fatalf("initiator.Decrypt: %v", err)
	}
	if string(gotReply) != "ack" {
		t.Fatalf("reply round trip = %q, want %q", gotReply, "ack")
	}
}

func TestSaveAndLoadSessionInteroperates(t *testing.T) {
	initiator, responder := runHandshake(t)

	initSession, err := initiator.SaveSession()
	if err != nil {
		t.Fatalf("initiator.SaveSession: %v", err)
	}
	respSession, err := responder.SaveSession()
	if err != nil {
		t.Fatalf("responder.SaveSession: %v", err)
	}
	if string(initSession.UniqueSessionKey) != string(respSession.UniqueSessionKey) {
		t.Fatalf("unique session keys diverge between peers")
	}

	loadedInit, err := Load(initSession.Blob)
	if err != nil {
		t.Fatalf("Load(initiator blob): %v", err)
	}
	loadedResp, err := Load(respSession.Blob)
	if err != nil {
		t.Fatalf("Load(responder blob): %v", err)
	}

	ciphertext, err := loadedInit.Encode([]byte("resumed message"))
	if err != nil {
		t.Fatalf("loadedInit.Encode: %v", err)
	}
	got, err := loadedResp.Decode(ciphertext)
	if err != nil {
		t.Fatalf("loadedResp.Decode: %v", err)
	}
	if string(got) != "resumed message" {
		t.Fatalf("decoded = %q, want %q", got, "resumed message")
	}
}

func TestChannelMethodsOutOfOrder(t *testing.T) {
	c, err := NewChannel(RoleInitiator)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	if _, err := c.Encrypt([]byte("x")); err != ErrMethodCalledOutOfOrder {
		t.Fatalf("Encrypt before handshake: err = %v, want ErrMethodCalledOutOfOrder", err)
	}
	if err := c.NotifyPairingCodeAccepted(); err != ErrMethodCalledOutOfOrder {
		t.Fatalf("NotifyPairingCodeAccepted before verification: err = %v, want ErrMethodCalledOutOfOrder", err)
	}
	if _, err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := c.Start(); err != ErrMethodCalledOutOfOrder {
		t.Fatalf("double Start: err = %v, want ErrMethodCalledOutOfOrder", err)
	}
}

func TestSecureSessionMarshalRoundTrip(t *testing.T) {
	s := &SecureSession{Blob: []byte{1, 2, 3}, UniqueSessionKey: []byte("0123456789abcdef0123456789abcdef")}
	out, err := UnmarshalSecureSession(s.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalSecureSession: %v", err)
	}
	if string(out.Blob) != string(s.Blob) || string(out.UniqueSessionKey) != string(s.UniqueSessionKey) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, s)
	}
}
