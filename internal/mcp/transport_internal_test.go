package mcp

import (
	"testing"
	"time"

	"github.com/shibaleo/mcpist-sub002/pkg/models"
)

func TestSessionPush_DropsWhenFull(t *testing.T) {
	sess := &session{
		id:     "s1",
		userID: "u1",
		out:    make(chan *models.MCPResponse, 2),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			sess.push(models.NewResult(nil, map[string]any{}))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push blocked on a full buffer")
	}
	if got := len(sess.out); got != 2 {
		t.Errorf("buffered = %d, want capacity 2 with the rest dropped", got)
	}
}
