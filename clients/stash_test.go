package clients

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestConnectionURL(t *testing.T) {
	cases := []struct {
		conn Connection
		want string
	}{
		{Connection{}, "http://localhost:9999/graphql"},
		{Connection{Scheme: "https", Host: "0.0.0.0", Port: 443}, "https://localhost:443/graphql"},
		{Connection{Host: "stash.lan", Port: 8080}, "http://stash.lan:8080/graphql"},
	}
	for _, c := range cases {
		if got := c.conn.URL(); got != c.want {
			t.Fatalf("URL(%+v) = %q, want %q", c.conn, got, c.want)
		}
	}
}

func TestStashSendsAuthAndVariables(t *testing.T) {
	var body gqlReq
	var apiKey, cookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get("ApiKey")
		if c, err := r.Cookie("session"); err == nil {
			cookie = c.Value
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		io.WriteString(w, `{"data":{"bulkSceneUpdate":[{"id":"7"}]}}`)
	}))
	defer srv.Close()

	s := NewStashURL(NewHTTP(time.Second), srv.URL, "secret")
	s.conn.SessionCookie = &SessionCookie{Name: "session", Value: "abc"}

	if err := s.UpdateSceneTags(context.Background(), []string{"7"}, []string{"1", "2"}, ModeRemove); err != nil {
		t.Fatalf("UpdateSceneTags() error = %v", err)
	}
	if apiKey != "secret" || cookie != "abc" {
		t.Fatalf("apiKey=%q cookie=%q", apiKey, cookie)
	}
	input, _ := json.Marshal(body.Variables["input"])
	if string(input) != `{"ids":["7"],"tag_ids":{"ids":["1","2"],"mode":"REMOVE"}}` {
		t.Fatalf("input = %s", input)
	}
}

func TestStashGraphQLErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"errors":[{"message":"tag exists"},{"message":"nope"}]}`)
	}))
	defer srv.Close()

	_, err := NewStashURL(NewHTTP(time.Second), srv.URL, "").CreateTag(context.Background(), TagCreateInput{Name: "X"})
	if err == nil || !strings.Contains(err.Error(), "tag exists; nope") {
		t.Fatalf("err = %v", err)
	}
}

func TestStashFindTagExactName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":{"findTags":{"tags":[{"id":"3","name":"VLM_Tagged"},{"id":"4","name":"VLM"}]}}}`)
	}))
	defer srv.Close()

	s := NewStashURL(NewHTTP(time.Second), srv.URL, "")
	tag, err := s.FindTag(context.Background(), "vlm")
	if err != nil {
		t.Fatalf("FindTag() error = %v", err)
	}
	if tag == nil || tag.ID != "4" {
		t.Fatalf("tag = %+v, want id 4", tag)
	}

	tag, err = s.FindTag(context.Background(), "missing")
	if err != nil || tag != nil {
		t.Fatalf("FindTag(missing) = %+v, %v", tag, err)
	}
}

func TestStashSceneMarkers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":{"findScene":{"scene_markers":[
			{"id":"m1","title":"TagA","seconds":10,"end_seconds":15,"primary_tag":{"id":"t1","name":"TagA"},"tags":[]},
			{"id":"m2","title":"TagB","seconds":20,"end_seconds":null,"primary_tag":{"id":"t2","name":"TagB"},"tags":[]}
		]}}}`)
	}))
	defer srv.Close()

	ms, err := NewStashURL(NewHTTP(time.Second), srv.URL, "").SceneMarkers(context.Background(), "9")
	if err != nil {
		t.Fatalf("SceneMarkers() error = %v", err)
	}
	if len(ms) != 2 {
		t.Fatalf("len = %d", len(ms))
	}
	if ms[0].EndSeconds == nil || *ms[0].EndSeconds != 15 || ms[1].EndSeconds != nil {
		t.Fatalf("markers = %+v", ms)
	}
	if ms[0].Scene.ID != "9" {
		t.Fatalf("scene id = %q", ms[0].Scene.ID)
	}
}
