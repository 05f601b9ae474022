package audio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tubefm/core/process"
	"tubefm/model"
)

type fixedProber struct {
	duration float32
	err      error
}

func (p fixedProber) Duration(ctx context.Context, path string) (float32, error) {
	return p.duration, p.err
}

// fakeFFmpeg 把 content 写到最后一个参数指定的输出路径
func fakeFFmpeg(t *testing.T, content string) func(context.Context, process.Command) *process.Result {
	return func(ctx context.Context, cmd process.Command) *process.Result {
		out := cmd.Args[len(cmd.Args)-1]
		if err := os.WriteFile(out, []byte(content), 0644); err != nil {
			t.Fatalf("write fake output: %v", err)
		}
		return nil
	}
}

func writeRaw(t *testing.T) string {
	t.Helper()
	raw := filepath.Join(t.TempDir(), "source.webm")
	if err := os.WriteFile(raw, []byte("raw"), 0644); err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestTranscodeProfiles(t *testing.T) {
	tests := []struct {
		format      string
		contentType string
		codec       string
		rate        string
	}{
		{"mp3", "audio/mpeg", "libmp3lame", "44100"},
		{"m4a", "audio/mp4", "aac", "44100"},
		{"ogg", "audio/ogg", "libopus", "48000"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			raw := writeRaw(t)
			runner := &process.FakeRunner{Handler: fakeFFmpeg(t, "encoded")}
			tr := NewTranscoder(runner, TranscoderOptions{Bitrate: "128k"})

			media, err := tr.Transcode(context.Background(), raw, tt.format)
			if err != nil {
				t.Fatalf("Transcode: %v", err)
			}
			if media.ContentType != tt.contentType || media.Format != tt.format {
				t.Errorf("Unexpected media %+v", media)
			}
			if media.Path != filepath.Join(filepath.Dir(raw), "track."+tt.format) {
				t.Errorf("Unexpected output path %s", media.Path)
			}
			if _, err := os.Stat(media.Path); err != nil {
				t.Errorf("Expected output to exist: %v", err)
			}

			args := strings.Join(runner.Commands()[0].Args, " ")
			for _, want := range []string{"-c:a " + tt.codec, "-ar " + tt.rate, "-ac 2", "-b:a 128k", "-vn", "-map_metadata -1", "-y"} {
				if !strings.Contains(args, want) {
					t.Errorf("Expected %q in args: %s", want, args)
				}
			}
			if tt.format == "m4a" && !strings.Contains(args, "+faststart") {
				t.Error("Expected faststart for m4a")
			}
		})
	}
}

func TestTranscodeUnsupportedFormat(t *testing.T) {
	runner := &process.FakeRunner{}
	tr := NewTranscoder(runner, TranscoderOptions{})

	_, err := tr.Transcode(context.Background(), writeRaw(t), "flac")
	if model.KindOf(err) != model.KindInvalidInput {
		t.Errorf("Expected invalid_input, got %v", err)
	}
	if runner.Calls("") != 0 {
		t.Error("Expected ffmpeg not to be invoked")
	}
}

func TestTranscodeEmptyOutput(t *testing.T) {
	runner := &process.FakeRunner{Handler: fakeFFmpeg(t, "")}
	tr := NewTranscoder(runner, TranscoderOptions{})

	_, err := tr.Transcode(context.Background(), writeRaw(t), "mp3")
	if model.KindOf(err) != model.KindIncompleteOutput {
		t.Errorf("Expected incomplete_output, got %v", err)
	}
}

func TestTranscodeClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		result *process.Result
		want   model.ErrorKind
	}{
		{"invalid data", &process.Result{Outcome: process.NonZeroExit, ExitCode: 1,
			Stderr: []byte("source.webm: Invalid data found when processing input")}, model.KindInvalidInput},
		{"no stream", &process.Result{Outcome: process.NonZeroExit, ExitCode: 1,
			Stderr: []byte("Output file #0 does not contain any stream")}, model.KindInvalidInput},
		{"encoder crash", &process.Result{Outcome: process.NonZeroExit, ExitCode: 139,
			Stderr: []byte("Segmentation fault")}, model.KindToolFailure},
		{"timeout", &process.Result{Outcome: process.Timeout}, model.KindTimeout},
		{"missing binary", &process.Result{Outcome: process.SpawnFailure, Err: errors.New("not found")}, model.KindSpawnFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &process.FakeRunner{
				Handler: func(ctx context.Context, cmd process.Command) *process.Result { return tt.result },
			}
			tr := NewTranscoder(runner, TranscoderOptions{})

			_, err := tr.Transcode(context.Background(), writeRaw(t), "mp3")
			if model.KindOf(err) != tt.want {
				t.Errorf("Expected %s, got %v", tt.want, err)
			}
			if runner.Calls("") != 1 {
				t.Errorf("Expected no retry, got %d calls", runner.Calls(""))
			}
		})
	}
}

func TestTranscodeValidatesDuration(t *testing.T) {
	t.Run("zero duration rejected", func(t *testing.T) {
		runner := &process.FakeRunner{Handler: fakeFFmpeg(t, "encoded")}
		tr := NewTranscoder(runner, TranscoderOptions{Prober: fixedProber{duration: 0}})

		_, err := tr.Transcode(context.Background(), writeRaw(t), "mp3")
		if model.KindOf(err) != model.KindInvalidInput {
			t.Errorf("Expected invalid_input, got %v", err)
		}
	})

	t.Run("duration recorded", func(t *testing.T) {
		runner := &process.FakeRunner{Handler: fakeFFmpeg(t, "encoded")}
		tr := NewTranscoder(runner, TranscoderOptions{Prober: fixedProber{duration: 212.5}})

		media, err := tr.Transcode(context.Background(), writeRaw(t), "mp3")
		if err != nil {
			t.Fatalf("Transcode: %v", err)
		}
		if media.Duration != 212.5 {
			t.Errorf("Expected duration 212.5, got %v", media.Duration)
		}
	})

	t.Run("probe failure tolerated", func(t *testing.T) {
		runner := &process.FakeRunner{Handler: fakeFFmpeg(t, "encoded")}
		tr := NewTranscoder(runner, TranscoderOptions{Prober: fixedProber{err: errors.New("boom")}})

		if _, err := tr.Transcode(context.Background(), writeRaw(t), "mp3"); err != nil {
			t.Errorf("Expected probe failure to be ignored, got %v", err)
		}
	})

	t.Run("unknown duration tolerated", func(t *testing.T) {
		runner := &process.FakeRunner{
			Handler: func(ctx context.Context, cmd process.Command) *process.Result {
				if cmd.Path == "ffprobe" {
					return &process.Result{Outcome: process.Success, Stdout: []byte(`{"format":{"duration":"N/A"}}`)}
				}
				return fakeFFmpeg(t, "encoded")(ctx, cmd)
			},
		}
		tr := NewTranscoder(runner, TranscoderOptions{Prober: NewFFprobe(runner, "ffprobe", 0)})

		media, err := tr.Transcode(context.Background(), writeRaw(t), "mp3")
		if err != nil {
			t.Fatalf("Expected unknown duration to be tolerated, got %v", err)
		}
		if media.Duration != 0 {
			t.Errorf("Expected no duration recorded, got %v", media.Duration)
		}
	})
}

func TestFFprobeDuration(t *testing.T) {
	tests := []struct {
		name    string
		stdout  string
		want    float32
		wantErr bool
	}{
		{"valid", `{"format":{"duration":"183.040000"}}`, 183.04, false},
		{"missing", `{"format":{}}`, 0, true},
		{"not available", `{"format":{"duration":"N/A"}}`, 0, true},
		{"garbage", `not json`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &process.FakeRunner{
				Handler: func(ctx context.Context, cmd process.Command) *process.Result {
					return &process.Result{Outcome: process.Success, Stdout: []byte(tt.stdout)}
				},
			}
			got, err := NewFFprobe(runner, "ffprobe", 0).Duration(context.Background(), "/tmp/x.mp3")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Duration err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Duration = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContentTypeFor(t *testing.T) {
	if ContentTypeFor("MP3") != "audio/mpeg" {
		t.Error("Expected case-insensitive format lookup")
	}
	if ContentTypeFor("wav") != "application/octet-stream" {
		t.Error("Expected fallback content type")
	}
	if got := strings.Join(Formats(), ","); got != "m4a,mp3,ogg" {
		t.Errorf("Unexpected formats %s", got)
	}
}
