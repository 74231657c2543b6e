package classify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPClientClassify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/analyze":
			file, _, err := r.FormFile("image")
			if err != nil {
				t.Errorf("missing image field: %v", err)
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(file)
			if string(data) != "jpeg-bytes" {
				t.Errorf("image = %q", data)
			}
			_, _ = w.Write([]byte(`{"type":"테토녀","emoji":"👑","confidence":90}`))
		case "/tips":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			_, _ = w.Write([]byte(`{"type":"` + body["type"] + `","tips":["a"]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", nil)
	result, err := c.Classify(context.Background(), []byte("jpeg-bytes"), "image/jpeg")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	typ, err := TypeOf(result)
	if err != nil || typ != TetoFemale {
		t.Fatalf("TypeOf() = %q, %v", typ, err)
	}

	tips, err := c.Tips(context.Background(), typ)
	if err != nil {
		t.Fatalf("Tips() error = %v", err)
	}
	if got, _ := TypeOf(tips); got != TetoFemale {
		t.Fatalf("tips type = %q", got)
	}
}

func TestHTTPClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/analyze" {
			_, _ = w.Write([]byte(`{"type":"unknown"}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, nil)
	if _, err := c.Classify(context.Background(), nil, ""); !errors.Is(err, ErrNoImage) {
		t.Fatalf("Classify(nil) error = %v", err)
	}
	if _, err := c.Classify(context.Background(), []byte("x"), "image/png"); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("Classify() error = %v, want ErrUnknownType", err)
	}
	if _, err := c.Tips(context.Background(), EgenMale); err == nil {
		t.Fatal("expected error on 500")
	}
	if _, err := c.Tips(context.Background(), "alien"); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("Tips() error = %v", err)
	}
}

func TestStaticIsDeterministic(t *testing.T) {
	ctx := context.Background()
	var s Static
	first, err := s.Classify(ctx, []byte("photo"), "image/jpeg")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	second, _ := s.Classify(ctx, []byte("photo"), "image/jpeg")
	if string(first) != string(second) {
		t.Fatalf("results differ: %s vs %s", first, second)
	}
	typ, err := TypeOf(first)
	if err != nil {
		t.Fatalf("TypeOf() error = %v", err)
	}
	if _, err := s.Tips(ctx, typ); err != nil {
		t.Fatalf("Tips() error = %v", err)
	}
}
