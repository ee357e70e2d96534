package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"qms/patient-queue/internal/hub"
	"qms/patient-queue/internal/models"
	"qms/patient-queue/internal/queue"
	"qms/patient-queue/internal/refresh"
	"qms/patient-queue/internal/store"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/rs/zerolog/log"
)

const snapshotEvent = "queue.snapshot"

type snapshot struct {
	Entries []models.QueueEntry `json:"entries"`
	Stats   queue.Stats         `json:"stats"`
}

func (h *Handler) realtimeHandler() http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, h.serveSession)
}

// serveSession forwards hub events to one dashboard. A subscribe message
// sets the branch/doctor filter and starts a snapshot refresh that lives
// until the next subscribe, an unsubscribe or the end of the session.
func (h *Handler) serveSession(session sockjs.Session) {
	client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
	h.hub.Register(client)
	defer h.hub.Unregister(client)

	go func() {
		for msg := range client.Send {
			_ = session.Send(string(msg))
		}
	}()

	var runner *refresh.Runner
	defer func() {
		if runner != nil {
			runner.Stop()
		}
	}()

	for {
		msg, err := session.Recv()
		if err != nil {
			return
		}
		parsed, ok := hub.ParseSubscribe([]byte(msg))
		if !ok {
			continue
		}
		if runner != nil {
			runner.Stop()
			runner = nil
		}
		if parsed.Action == "unsubscribe" {
			h.hub.UpdateSubscription(client, hub.Subscription{})
			continue
		}

		sub := hub.Subscription{
			BranchID: strings.TrimSpace(parsed.BranchID),
			DoctorID: strings.TrimSpace(parsed.DoctorID),
		}
		h.hub.UpdateSubscription(client, sub)
		runner = refresh.Start(context.Background(), refresh.Options{
			Name:      "dashboard-snapshot",
			Interval:  h.refreshInterval,
			Immediate: true,
		}, func(ctx context.Context) error {
			return h.pushSnapshot(ctx, client, sub)
		})
		log.Debug().Str("client_id", client.ID).Str("branch_id", sub.BranchID).Str("doctor_id", sub.DoctorID).Msg("dashboard subscribed")
	}
}

func (h *Handler) pushSnapshot(ctx context.Context, client *hub.Client, sub hub.Subscription) error {
	payload, err := h.buildSnapshot(ctx, sub)
	if err != nil {
		return err
	}
	h.hub.SendTo(client, payload)
	return nil
}

func (h *Handler) buildSnapshot(ctx context.Context, sub hub.Subscription) ([]byte, error) {
	filter := store.Filter{
		BranchRef: sub.BranchID,
		DoctorRef: sub.DoctorID,
		Date:      h.service.Today(),
	}
	entries, err := h.service.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	stats, err := h.service.Stats(ctx, filter)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []models.QueueEntry{}
	}
	data, err := json.Marshal(snapshot{Entries: entries, Stats: stats})
	if err != nil {
		return nil, err
	}
	return json.Marshal(hub.Envelope{Type: snapshotEvent, Data: data, CreatedAt: time.Now().UTC()})
}
