package redis

import (
	"context"
	"testing"

	"github.com/redis/rueidis"
	"github.com/redis/rueidis/mock"
	"go.uber.org/mock/gomock"

	"github.com/driftlock/searchmux/internal/backend"
	"github.com/driftlock/searchmux/internal/domain"
	"github.com/driftlock/searchmux/internal/domain/query"
)

func mustQuery(t *testing.T, term string, filters map[string]string) query.Query {
	t.Helper()
	q, err := query.New("patients", term, filters, 10, 0, "", domain.SecurityContext{})
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func TestNew_RequiresAddrs(t *testing.T) {
	_, err := New("accelerator", backend.RoleAccelerator, Config{})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestHealthCheck_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.Match("PING")).
		Return(mock.Result(mock.RedisString("PONG")))

	s := NewStoreForTest(c, "searchmux:")
	latency, err := s.HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if latency <= 0 {
		t.Errorf("latency = %v, want > 0", latency)
	}
}

func TestHealthCheck_Error(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.Match("PING")).
		Return(mock.ErrorResult(context.DeadlineExceeded))

	s := NewStoreForTest(c, "searchmux:")
	if _, err := s.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestSearch_ScansAndMatchesClientSide(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.MatchFn(func(cmd []string) bool {
			return cmd[0] == "SCAN" && cmd[3] == "searchmux:patients:*"
		})).
		Return(mock.Result(mock.RedisArray(
			mock.RedisInt64(0),
			mock.RedisArray(
				mock.RedisString("searchmux:patients:p-1"),
				mock.RedisString("searchmux:patients:p-2"),
			),
		)))

	c.EXPECT().
		DoMulti(gomock.Any(), gomock.Any()).
		Return([]rueidis.RedisResult{
			mock.Result(mock.RedisMap(map[string]rueidis.RedisMessage{
				"name":      mock.RedisString("Ada Lovelace"),
				"condition": mock.RedisString("diabetes"),
			})),
			mock.Result(mock.RedisMap(map[string]rueidis.RedisMessage{
				"name":      mock.RedisString("Edsger Dijkstra"),
				"condition": mock.RedisString("hypertension"),
			})),
		})

	s := NewStoreForTest(c, "searchmux:")
	q := mustQuery(t, "diabetes", nil)
	records, total, err := s.Search(context.Background(), &q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(records) != 1 {
		t.Fatalf("got total=%d len=%d, want 1/1", total, len(records))
	}
	if records[0].ID() != "p-1" {
		t.Errorf("ID = %q, want p-1 (key prefix not stripped?)", records[0].ID())
	}
}

func TestSearch_EmptyScanSkipsFetch(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.MatchFn(func(cmd []string) bool {
			return cmd[0] == "SCAN"
		})).
		Return(mock.Result(mock.RedisArray(
			mock.RedisInt64(0),
			mock.RedisArray(),
		)))

	s := NewStoreForTest(c, "searchmux:")
	q := mustQuery(t, "diabetes", nil)
	records, total, err := s.Search(context.Background(), &q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 0 || len(records) != 0 {
		t.Errorf("got total=%d len=%d, want 0/0", total, len(records))
	}
}

func TestSearch_FollowsScanCursor(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.MatchFn(func(cmd []string) bool {
			return cmd[0] == "SCAN" && cmd[1] == "0"
		})).
		Return(mock.Result(mock.RedisArray(
			mock.RedisInt64(7),
			mock.RedisArray(mock.RedisString("searchmux:patients:p-1")),
		)))
	c.EXPECT().
		Do(gomock.Any(), mock.MatchFn(func(cmd []string) bool {
			return cmd[0] == "SCAN" && cmd[1] == "7"
		})).
		Return(mock.Result(mock.RedisArray(
			mock.RedisInt64(0),
			mock.RedisArray(mock.RedisString("searchmux:patients:p-2")),
		)))

	c.EXPECT().
		DoMulti(gomock.Any(), gomock.Any()).
		Return([]rueidis.RedisResult{
			mock.Result(mock.RedisMap(map[string]rueidis.RedisMessage{
				"condition": mock.RedisString("diabetes"),
			})),
			mock.Result(mock.RedisMap(map[string]rueidis.RedisMessage{
				"condition": mock.RedisString("diabetes"),
			})),
		})

	s := NewStoreForTest(c, "searchmux:")
	q := mustQuery(t, "diabetes", nil)
	_, total, err := s.Search(context.Background(), &q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
}

func TestSearch_SkipsVanishedKeys(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.MatchFn(func(cmd []string) bool {
			return cmd[0] == "SCAN"
		})).
		Return(mock.Result(mock.RedisArray(
			mock.RedisInt64(0),
			mock.RedisArray(
				mock.RedisString("searchmux:patients:p-1"),
				mock.RedisString("searchmux:patients:gone"),
			),
		)))

	c.EXPECT().
		DoMulti(gomock.Any(), gomock.Any()).
		Return([]rueidis.RedisResult{
			mock.Result(mock.RedisMap(map[string]rueidis.RedisMessage{
				"condition": mock.RedisString("diabetes"),
			})),
			mock.Result(mock.RedisMap(map[string]rueidis.RedisMessage{})),
		})

	s := NewStoreForTest(c, "searchmux:")
	q := mustQuery(t, "diabetes", nil)
	_, total, err := s.Search(context.Background(), &q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 {
		t.Errorf("total = %d, want 1", total)
	}
}

func TestSearch_FiltersApply(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.MatchFn(func(cmd []string) bool {
			return cmd[0] == "SCAN"
		})).
		Return(mock.Result(mock.RedisArray(
			mock.RedisInt64(0),
			mock.RedisArray(
				mock.RedisString("searchmux:patients:p-1"),
				mock.RedisString("searchmux:patients:p-2"),
			),
		)))

	c.EXPECT().
		DoMulti(gomock.Any(), gomock.Any()).
		Return([]rueidis.RedisResult{
			mock.Result(mock.RedisMap(map[string]rueidis.RedisMessage{
				"condition": mock.RedisString("diabetes"),
				"state":     mock.RedisString("CA"),
			})),
			mock.Result(mock.RedisMap(map[string]rueidis.RedisMessage{
				"condition": mock.RedisString("diabetes"),
				"state":     mock.RedisString("NY"),
			})),
		})

	s := NewStoreForTest(c, "searchmux:")
	q := mustQuery(t, "diabetes", map[string]string{"state": "NY"})
	records, total, err := s.Search(context.Background(), &q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || records[0].ID() != "p-2" {
		t.Fatalf("got total=%d, want exactly p-2", total)
	}
}

func TestUpsert_PipelinesDeleteThenSet(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		DoMulti(gomock.Any(), gomock.Any()).
		Return([]rueidis.RedisResult{
			mock.Result(mock.RedisInt64(1)),
			mock.Result(mock.RedisInt64(2)),
		})

	s := NewStoreForTest(c, "searchmux:")
	err := s.Upsert(context.Background(), "patients", []backend.Document{
		{ID: "p-1", Fields: map[string]string{"name": "Ada", "condition": "diabetes"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUpsert_Empty(t *testing.T) {
	s := NewStoreForTest(nil, "searchmux:")
	if err := s.Upsert(context.Background(), "patients", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUpsert_SurfacesCommandError(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		DoMulti(gomock.Any(), gomock.Any()).
		Return([]rueidis.RedisResult{
			mock.Result(mock.RedisInt64(1)),
			mock.ErrorResult(context.DeadlineExceeded),
		})

	s := NewStoreForTest(c, "searchmux:")
	err := s.Upsert(context.Background(), "patients", []backend.Document{
		{ID: "p-1", Fields: map[string]string{"name": "Ada"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
}
