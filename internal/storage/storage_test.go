package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digestbot/pkg/logx"
)

func record(i int) DropRecord {
	at := time.UnixMilli(1_700_000_000_000 + int64(i)*1000)
	return DropRecord{
		TaskID:     fmt.Sprintf("task-%d", i),
		ChatID:     int64(100 + i),
		ThreadID:   i % 2,
		Op:         "send_text",
		Attempts:   3,
		Reason:     "exhausted",
		LastError:  "telegram: Bad Gateway (502)",
		EnqueuedAt: at.Add(-10 * time.Second),
		DroppedAt:  at,
	}
}

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	assert.Error(t, err)
}

func TestOpenRequiresLocation(t *testing.T) {
	for _, driver := range []string{"file", "sqlite", "postgres"} {
		t.Run(driver, func(t *testing.T) {
			_, err := Open(Config{Driver: driver}, logx.Nop())
			assert.Error(t, err)
		})
	}
}

func TestBackends(t *testing.T) {
	cases := map[string]func(t *testing.T) Config{
		"file": func(t *testing.T) Config {
			return Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state", "digestbot.db")}
		},
		"sqlite": func(t *testing.T) Config {
			return Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "digestbot.sqlite"), BusyTimeout: time.Second}
		},
	}
	for name, cfgFn := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st, err := Open(cfgFn(t), logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })

			empty, err := st.RecentDrops(ctx, 10)
			require.NoError(t, err)
			assert.Empty(t, empty)

			for i := 0; i < 5; i++ {
				require.NoError(t, st.AppendDrop(ctx, record(i)))
			}

			got, err := st.RecentDrops(ctx, 3)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "task-4", got[0].TaskID)
			assert.Equal(t, "task-2", got[2].TaskID)

			want := record(4)
			assert.Equal(t, want.ChatID, got[0].ChatID)
			assert.Equal(t, want.LastError, got[0].LastError)
			assert.True(t, want.DroppedAt.Equal(got[0].DroppedAt))
			assert.True(t, want.EnqueuedAt.Equal(got[0].EnqueuedAt))

			all, err := st.RecentDrops(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, all, 5)
		})
	}
}

func TestFileStoreSurvivesReopenAndSkipsGarbage(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "digestbot.json")
	cfg := Config{Driver: "file", Path: path}

	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.AppendDrop(ctx, record(1)))
	require.NoError(t, st.Close())

	journal := filepath.Join(filepath.Dir(path), "digestbot.drops.jsonl")
	f, err := os.OpenFile(journal, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	st, err = Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.AppendDrop(ctx, record(2)))

	got, err := st.RecentDrops(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "task-2", got[0].TaskID)
	assert.Equal(t, "task-1", got[1].TaskID)
}

func TestFileStoreClosed(t *testing.T) {
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "x")}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Close())
	assert.Error(t, st.AppendDrop(context.Background(), record(1)))
	assert.NoError(t, st.Close())
}

func TestSQLitePrunesPastRetention(t *testing.T) {
	ctx := context.Background()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "d.sqlite"), Retention: time.Hour}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	s := st.(*sqlStore)
	s.pruneEvery = 2

	old := record(1) // 2023, well past retention
	require.NoError(t, st.AppendDrop(ctx, old))
	fresh := record(2)
	fresh.DroppedAt = time.Now()
	require.NoError(t, st.AppendDrop(ctx, fresh))

	got, err := st.RecentDrops(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "task-2", got[0].TaskID)
}
