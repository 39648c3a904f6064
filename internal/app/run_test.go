package app

import (
	"bytes"
	"strings"
	"testing"
)

// TestRun_ServeCommand_FailsWithoutDatabase はserveコマンドがDB接続を試み、
// 接続できない場合にエラーを返すことを検証する。
func TestRun_ServeCommand_FailsWithoutDatabase(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{"serve"})
	if err == nil {
		t.Fatal("Run(serve) should fail when the database is unreachable")
	}
	if !strings.Contains(err.Error(), "database") {
		t.Errorf("error = %v, want database error", err)
	}
}

// TestRun_WorkerCommand_FailsWithoutDatabase はworkerコマンドがDB接続を試みることを検証する。
func TestRun_WorkerCommand_FailsWithoutDatabase(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"worker"}); err == nil {
		t.Fatal("Run(worker) should fail when the database is unreachable")
	}
}

// TestRun_DefaultCommand_FailsWithoutDatabase はデフォルトコマンド（serve）がDB接続を試みることを検証する。
func TestRun_DefaultCommand_FailsWithoutDatabase(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	if err := Run(&buf, []string{}); err == nil {
		t.Fatal("Run([]) should fail when the database is unreachable")
	}
}

func TestRun_WithMissingEnv_ReturnsError(t *testing.T) {
	clearRequiredEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{"serve"})
	if err == nil {
		t.Fatal("Run with missing env should return error")
	}
	if !strings.Contains(err.Error(), "initialization failed") {
		t.Errorf("error = %v, want initialization failure", err)
	}
}

func TestRun_Healthcheck_SkipsConfig(t *testing.T) {
	clearRequiredEnv(t)
	t.Setenv("PORT", "1")

	var buf bytes.Buffer
	err := Run(&buf, []string{"healthcheck"})
	if err == nil {
		t.Fatal("healthcheck against a closed port should fail")
	}
	if strings.Contains(err.Error(), "initialization failed") {
		t.Errorf("healthcheck must not load config: %v", err)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want Command
	}{
		{"引数なしはserve", []string{}, CommandServe},
		{"serve", []string{"serve"}, CommandServe},
		{"worker", []string{"worker"}, CommandWorker},
		{"migrate", []string{"migrate"}, CommandMigrate},
		{"healthcheck", []string{"healthcheck"}, CommandHealthcheck},
		{"余分な引数は無視", []string{"worker", "--flag", "value"}, CommandWorker},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand(tt.args)
			if err != nil {
				t.Fatalf("ParseCommand(%v) error = %v", tt.args, err)
			}
			if got != tt.want {
				t.Errorf("ParseCommand(%v) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestParseCommand_Unknown(t *testing.T) {
	if _, err := ParseCommand([]string{"wroker"}); err == nil {
		t.Fatal("ParseCommand([wroker]) should return an error")
	}
}

// TestRun_UnknownCommand は未知のコマンドで設定の読み込みやサーバー起動を行わないことを検証する。
func TestRun_UnknownCommand(t *testing.T) {
	clearRequiredEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{"wroker"})
	if err == nil {
		t.Fatal("Run([wroker]) should fail")
	}
	if !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("error = %v, want unknown command", err)
	}
}
