package main

import (
	"context"
	"testing"
	"time"

	"github.com/vango-dev/connmux/internal/config"
	"github.com/vango-dev/connmux/pkg/transport/wsconn"
)

func TestApplyServeFlags(t *testing.T) {
	cfg := config.New()
	cfg.Server.Address = ":7000"
	cfg.Auth.Tokens = []string{"from-file"}

	cmd := serveCmd(&globalFlags{})
	args := []string{"--path=/mux", "--token=a", "--token=b", "--metrics", "--archive-bucket=events"}
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatal(err)
	}
	applyServeFlags(cmd, cfg)

	if cfg.Server.Address != ":7000" {
		t.Errorf("unset flag overrode file value: %q", cfg.Server.Address)
	}
	if cfg.Server.Path != "/mux" {
		t.Errorf("Path = %q, want /mux", cfg.Server.Path)
	}
	if len(cfg.Auth.Tokens) != 2 || cfg.Auth.Tokens[0] != "a" || cfg.Auth.Tokens[1] != "b" {
		t.Errorf("Tokens = %v, want [a b]", cfg.Auth.Tokens)
	}
	if !cfg.Server.Metrics {
		t.Error("Metrics should be enabled")
	}
	if !cfg.ArchiveEnabled() || cfg.Archive.Prefix != config.DefaultArchivePrefix {
		t.Errorf("Archive = %+v", cfg.Archive)
	}
}

func TestServerConfig(t *testing.T) {
	cfg := config.New()
	cfg.Server.Path = "/mux"
	cfg.Server.MaxSockets = 7
	cfg.Server.TrustedProxies = []string{"10.0.0.1"}
	cfg.Transport.PingInterval = "5s"
	cfg.Transport.MaxMessageSize = 4096

	sc := serverConfig(cfg, quietLogger())

	if sc.Path != "/mux" || sc.MaxSockets != 7 || len(sc.TrustedProxies) != 1 {
		t.Errorf("server config = %+v", sc)
	}
	if sc.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v", sc.ShutdownTimeout)
	}
	want := wsconn.DefaultConfig()
	if sc.Transport.PingInterval != 5*time.Second || sc.Transport.MaxMessageSize != 4096 ||
		sc.Transport.ReadTimeout != want.ReadTimeout {
		t.Errorf("transport = %+v", sc.Transport)
	}
	if err := sc.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestBuildServer_Archive(t *testing.T) {
	cfg := config.New()
	cfg.Archive.Bucket = "events"
	cfg.Archive.Region = "us-east-1"

	srv, rec, err := buildServer(cfg, quietLogger())
	if err != nil {
		t.Fatalf("buildServer: %v", err)
	}
	if srv == nil || rec == nil {
		t.Fatal("expected server and recorder")
	}
	if rec.Stats().Pending != 0 {
		t.Errorf("fresh recorder has pending buffers")
	}
}

func TestRunServe_StopsOnCancel(t *testing.T) {
	cfg := config.New()
	cfg.Server.Address = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = "2s"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg, quietLogger()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runServe = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runServe did not stop")
	}
}

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	out := &syncBuffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"version", "--short"})

	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if out.String() != version+"\n" {
		t.Errorf("version output = %q", out.String())
	}
}
