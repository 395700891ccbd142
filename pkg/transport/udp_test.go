package transport

import (
	"context"
	"testing"
	"time"
)

func TestUDPLoopback(t *testing.T) {
	a, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if err := a.Send(b.Addr(), []byte{0x05}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	from, got, ok := b.RecvFrom(ctx)
	if !ok || len(got) != 1 || got[0] != 0x05 {
		t.Fatalf("recv: ok=%v got=%v", ok, got)
	}
	if from != a.Addr() {
		t.Fatalf("from=%s want %s", from, a.Addr())
	}
}
