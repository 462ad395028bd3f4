// loomd runs the end-to-end encryption engine against a live homeserver:
// it keeps device keys uploaded, ingests to-device and room-state events
// from /sync, and answers key requests from the user's other devices.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/loom-chat/loom/crypto"
	"github.com/loom-chat/loom/crypto/badgerstore"
	"github.com/loom-chat/loom/internal/config"
	"github.com/loom-chat/loom/internal/logger"
)

func main() {
	slogger := logger.New(os.Getenv("LOOM_DEBUG") != "")

	cfg, err := config.Load()
	if err != nil {
		slogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if cfg.Homeserver == "" || cfg.UserID == "" || cfg.DeviceID == "" || cfg.AccessToken == "" {
		slogger.Error("homeserver, user_id, device_id and LOOM_ACCESS_TOKEN must be set")
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.CryptoDBPath, 0700); err != nil {
		slogger.Error("failed to create crypto db directory", "err", err)
		os.Exit(1)
	}
	store, err := badgerstore.Open(cfg.CryptoDBPath)
	if err != nil {
		slogger.Error("failed to open crypto store", "err", err)
		os.Exit(1)
	}

	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		slogger.Error("failed to create client", "err", err)
		os.Exit(1)
	}
	client.DeviceID = id.DeviceID(cfg.DeviceID)

	engine, err := crypto.NewEngine(crypto.Config{
		UserID:    id.UserID(cfg.UserID),
		DeviceID:  id.DeviceID(cfg.DeviceID),
		PickleKey: []byte(cfg.PickleKey),
		Store:     store,
		Transport: client,
		Logger:    slogger,
		ResolveMembers: func(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
			resp, err := client.JoinedMembers(ctx, roomID)
			if err != nil {
				return nil, err
			}
			members := make([]id.UserID, 0, len(resp.Joined))
			for userID := range resp.Joined {
				members = append(members, userID)
			}
			return members, nil
		},
	})
	if err != nil {
		slogger.Error("failed to build crypto engine", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	coldStart := os.Getenv("LOOM_COLD_START") != ""
	if err := engine.Start(ctx, coldStart); err != nil {
		slogger.Error("failed to start crypto engine", "err", err)
		os.Exit(1)
	}

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	for _, eventType := range []event.Type{
		event.ToDeviceEncrypted,
		event.ToDeviceRoomKeyRequest,
		event.ToDeviceSecretRequest,
	} {
		syncer.OnEventType(eventType, func(ctx context.Context, evt *event.Event) {
			engine.OnToDeviceEvent(ctx, evt)
		})
	}
	for _, eventType := range []event.Type{
		event.StateEncryption,
		event.StateMember,
	} {
		syncer.OnEventType(eventType, func(ctx context.Context, evt *event.Event) {
			engine.OnRoomStateEvent(ctx, evt)
		})
	}
	syncer.OnSync(func(ctx context.Context, resp *mautrix.RespSync, since string) bool {
		engine.OnSyncCompleted(ctx, resp.DeviceLists.Changed, resp.DeviceLists.Left, resp.DeviceOTKCount.SignedCurve25519)
		return true
	})

	slogger.Info("syncing", "user", cfg.UserID, "device", cfg.DeviceID)
	for ctx.Err() == nil {
		if err := client.SyncWithContext(ctx); err != nil && ctx.Err() == nil {
			slogger.Error("sync error", "err", err)
			time.Sleep(5 * time.Second)
		}
	}

	slogger.Info("shutting down")
	if err := engine.Close(); err != nil {
		slogger.Error("failed to close crypto engine", "err", err)
	}
}
