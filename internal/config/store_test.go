package config

import "testing"

func TestStoreUpdate(t *testing.T) {
	s := NewStore(Default())
	before := s.Snapshot()

	changed, err := s.Update(func(c *Config) { c.Audio.DeviceID = "usb" })
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if changed {
		t.Error("device change should not report an engine change")
	}
	if s.Snapshot().DeviceID != "usb" {
		t.Error("update not applied")
	}

	changed, err = s.Update(func(c *Config) { c.Transcribe.Language = "de" })
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("language change should report an engine change")
	}
	if before.Engine.Language == s.Snapshot().Engine.Language {
		t.Error("earlier snapshot must not follow later updates")
	}
}

func TestStoreRejectsInvalidUpdate(t *testing.T) {
	s := NewStore(Default())
	if _, err := s.Update(func(c *Config) { c.Transcribe.Engine = "bogus" }); err == nil {
		t.Fatal("Update() should reject an invalid config")
	}
	if s.Config().Transcribe.Engine != "whisper" {
		t.Error("rejected update must not be stored")
	}
}

func TestStoreConfigIsCopy(t *testing.T) {
	s := NewStore(Default())
	c := s.Config()
	c.Hotkey.Keys[0] = "meta"
	if s.Config().Hotkey.Keys[0] == "meta" {
		t.Error("Config() must return an independent copy")
	}
}
