package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

const pairCSV = "id,date,concrete_type,volume,lat,lng\n" +
	"a,2025-03-10,C25/30,4,47.50,19.04\n" +
	"b,2025-03-10,C25/30,2,47.52,19.07\n"

func TestRunStdin(t *testing.T) {
	t.Setenv("POOL_CONFIG", "")
	var out bytes.Buffer
	code := run(context.Background(), []string{"-by", "day,total"}, strings.NewReader(pairCSV), &out, zerolog.Nop())
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	var res struct {
		Source string
		Plan   struct {
			OrderCount int
			Total      struct{ Baseline, Pooled, Savings float64 }
		}
		Reports map[string]json.RawMessage
	}
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Source != "stdin" || res.Plan.OrderCount != 2 || res.Plan.Total.Savings != 90 {
		t.Fatalf("output %+v", res)
	}
	if len(res.Reports) != 2 {
		t.Fatalf("reports %v", res.Reports)
	}
}

func TestRunFile(t *testing.T) {
	t.Setenv("POOL_CONFIG", "")
	path := filepath.Join(t.TempDir(), "orders.csv")
	if err := os.WriteFile(path, []byte(pairCSV), 0o600); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if code := run(context.Background(), []string{"-in", path}, nil, &out, zerolog.Nop()); code != 0 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(out.String(), `"source":"csv-file:`+path) {
		t.Fatalf("source missing: %s", out.String())
	}
}

func TestRunExitCodes(t *testing.T) {
	t.Setenv("POOL_CONFIG", "")
	var out bytes.Buffer
	if code := run(context.Background(), []string{"-version"}, nil, &out, zerolog.Nop()); code != 0 || out.Len() == 0 {
		t.Fatalf("version: %d %q", code, out.String())
	}
	if code := run(context.Background(), []string{"-by", "week"}, nil, &out, zerolog.Nop()); code != 2 {
		t.Fatalf("bad rollup: %d", code)
	}
	if code := run(context.Background(), []string{"-nope"}, nil, &out, zerolog.Nop()); code != 2 {
		t.Fatalf("bad flag: %d", code)
	}
	if code := run(context.Background(), []string{"-config", "/does/not/exist.yaml"}, nil, &out, zerolog.Nop()); code != 2 {
		t.Fatalf("missing config: %d", code)
	}
	if code := run(context.Background(), []string{"-in", "/does/not/exist.csv"}, nil, &out, zerolog.Nop()); code != 1 {
		t.Fatalf("missing input: %d", code)
	}
}
