package config

import "testing"

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.SyncTag != "capsync" {
		t.Fatalf("expected default sync tag capsync, got %q", cfg.SyncTag)
	}
	if cfg.MaxRetries != 3 || cfg.RequestTimeoutSeconds != 30 {
		t.Fatalf("unexpected retry/timeout defaults: %+v", cfg)
	}
	if !cfg.AutoLabelTasks || !cfg.AddBacklinkToSource {
		t.Fatalf("expected auto_label_tasks and add_backlink_to_source to default true")
	}
	if cfg.InboxProjectName != "Inbox" {
		t.Fatalf("expected default inbox project name Inbox, got %q", cfg.InboxProjectName)
	}
}

func TestValidate_MissingCredentials(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for empty config")
	}
}

func TestValidate_Complete(t *testing.T) {
	cfg := Defaults()
	cfg.SourceAPIBaseURL = "https://source.example.com"
	cfg.SinkAPIBaseURL = "https://sink.example.com"
	cfg.SourceAPIToken = "tok"
	cfg.SinkAPIToken = "tok"
	cfg.TasksCollectionID = "tasks"
	cfg.ProjectsCollectionID = "projects"
	cfg.DatabaseURL = "postgres://localhost/db"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestNormalizedSyncTag_StripsSigil(t *testing.T) {
	cfg := Defaults()
	cfg.SyncTag = "@capsync"
	if cfg.NormalizedSyncTag() != "capsync" {
		t.Fatalf("expected sigil stripped, got %q", cfg.NormalizedSyncTag())
	}

	cfg.SyncTag = "capsync"
	if cfg.NormalizedSyncTag() != "capsync" {
		t.Fatalf("expected no-op for tag without sigil, got %q", cfg.NormalizedSyncTag())
	}
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("SYNC_TAG", "mytag")
	t.Setenv("SOURCE_API_BASE_URL", "https://source.example.com")
	t.Setenv("SINK_API_BASE_URL", "https://sink.example.com")
	t.Setenv("SOURCE_API_TOKEN", "tok")
	t.Setenv("SINK_API_TOKEN", "tok")
	t.Setenv("TASKS_COLLECTION_ID", "tasks")
	t.Setenv("PROJECTS_COLLECTION_ID", "projects")
	t.Setenv("DATABASE_CONN_URL", "postgres://localhost/db")
	t.Setenv("AREA_LABELS", "Work, Home ,Health")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SyncTag != "mytag" {
		t.Fatalf("expected env override, got %q", cfg.SyncTag)
	}
	if len(cfg.AreaLabels) != 3 || cfg.AreaLabels[1] != "Home" {
		t.Fatalf("expected trimmed CSV area labels, got %+v", cfg.AreaLabels)
	}
}
