package modules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const (
	TagGame  = "game"
	TagTheme = "theme"
)

// GameAction is the payload accepted by the game module.
type GameAction struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ThemeAction is the payload accepted by the theme module.
type ThemeAction struct {
	Theme string `json:"theme"`
}

// GameModule is a placeholder for game state changes; it only logs.
type GameModule struct {
	log *slog.Logger
}

// NewGameModule constructs the game module.
func NewGameModule(log *slog.Logger) *GameModule {
	if log == nil {
		log = slog.Default()
	}
	return &GameModule{log: log}
}

func (m *GameModule) Tag() string { return TagGame }

func (m *GameModule) Handle(_ context.Context, payload json.RawMessage) error {
	var a GameAction
	if err := decodeStrict(payload, &a); err != nil {
		return err
	}
	if strings.TrimSpace(a.Action) == "" {
		return errors.New("missing action")
	}

	m.log.Info("modules.game.action", "action", a.Action, "data_bytes", len(a.Data))
	return nil
}

// ThemeModule is a placeholder for theme changes; it only logs.
type ThemeModule struct {
	log *slog.Logger
}

// NewThemeModule constructs the theme module.
func NewThemeModule(log *slog.Logger) *ThemeModule {
	if log == nil {
		log = slog.Default()
	}
	return &ThemeModule{log: log}
}

func (m *ThemeModule) Tag() string { return TagTheme }

func (m *ThemeModule) Handle(_ context.Context, payload json.RawMessage) error {
	var a ThemeAction
	if err := decodeStrict(payload, &a); err != nil {
		return err
	}
	if strings.TrimSpace(a.Theme) == "" {
		return errors.New("missing theme")
	}

	m.log.Info("modules.theme.change", "theme", a.Theme)
	return nil
}

// Builtin returns the modules registered at startup.
func Builtin(log *slog.Logger) []Module {
	return []Module{NewGameModule(log), NewThemeModule(log)}
}

func decodeStrict(payload json.RawMessage, dst any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
