package server

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"tubefm/core/process"
	"tubefm/model"

	"github.com/gorilla/websocket"
)

func TestJobEventsOverWebsocket(t *testing.T) {
	env := newTestEnv(t, &process.FakeRunner{}, nil)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws/jobs"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for env.app.Hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if resp := env.do(t, http.MethodGet, "/youtube/"+testVideoID, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var stages []model.JobStage
	conn.SetReadDeadline(deadline)
	for {
		var ev model.JobEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("ReadJSON after %v: %v", stages, err)
		}
		stages = append(stages, ev.Stage)
		if ev.Stage.Terminal() {
			break
		}
	}

	want := []model.JobStage{model.StageRetrieving, model.StageTranscoding, model.StageStoring, model.StageDone}
	if len(stages) != len(want) {
		t.Fatalf("Expected stages %v, got %v", want, stages)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Errorf("Stage %d = %s, want %s", i, stages[i], want[i])
		}
	}
}

func TestJobHubDropsSlowClients(t *testing.T) {
	hub := NewJobHub()
	c := &wsClient{send: make(chan model.JobEvent, 1)}
	if !hub.register(c) {
		t.Fatal("register failed")
	}

	hub.OnJobEvent(model.JobEvent{JobID: "a"})
	hub.unregister(c)
	if hub.Clients() != 0 {
		t.Errorf("Expected client to be removed")
	}
	if _, ok := <-c.send; !ok {
		t.Error("Expected the queued event before close")
	}
	if _, ok := <-c.send; ok {
		t.Error("Expected send channel to be closed")
	}

	hub.Close()
	if hub.register(&wsClient{send: make(chan model.JobEvent, 1)}) {
		t.Error("Expected register to fail after Close")
	}
}
