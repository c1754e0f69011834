package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/storagewatch/storagewatch/internal/alerts"
	"github.com/storagewatch/storagewatch/internal/database"
)

// admin manages users, subscriptions and alert settings directly in the store
type admin struct {
	store *database.Store
	salt  string
	out   io.Writer
}

func (a *admin) addUser(ctx context.Context, chatID, name, lang string) error {
	user, err := a.store.EnsureUser(ctx, chatID, name, lang)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "User %s (id %d, %s)\n", user.ChatID, user.ID, user.LanguageCode)
	return nil
}

func (a *admin) user(ctx context.Context, chatID string) (database.User, error) {
	user, err := a.store.UserByChatID(ctx, chatID)
	if errors.Is(err, database.ErrNotFound) {
		return user, fmt.Errorf("no user with chat id %s, add it with 'user add'", chatID)
	}
	return user, err
}

func (a *admin) setState(ctx context.Context, chatID, state string) error {
	switch state {
	case database.UserStateMember, database.UserStateKicked, database.UserStateLeft:
	default:
		return fmt.Errorf("unknown state %q (member, kicked, left)", state)
	}
	user, err := a.user(ctx, chatID)
	if err != nil {
		return err
	}
	return a.store.SetUserState(ctx, user.ID, state)
}

func (a *admin) subscribe(ctx context.Context, chatID, pubkey, password string) error {
	user, err := a.user(ctx, chatID)
	if err != nil {
		return err
	}
	switch err := a.store.Subscribe(ctx, user.ID, pubkey, password, a.salt); {
	case errors.Is(err, database.ErrNotFound):
		return fmt.Errorf("provider %s is not in the registry", pubkey)
	case err != nil:
		return err
	}
	fmt.Fprintf(a.out, "%s subscribed to %s\n", chatID, alerts.ShortKey(pubkey))
	return nil
}

func (a *admin) unsubscribe(ctx context.Context, chatID, pubkey string) error {
	user, err := a.user(ctx, chatID)
	if err != nil {
		return err
	}
	return a.store.Unsubscribe(ctx, user.ID, pubkey)
}

// alertChange is what 'alerts set' was asked to modify; nil fields stay as stored
type alertChange struct {
	Enabled    *bool
	Kinds      []string
	Thresholds map[string]string
	Reset      bool
}

func (c alertChange) parse() ([]string, map[string]any, error) {
	var kinds []string
	if c.Kinds != nil {
		kinds = make([]string, 0, len(c.Kinds))
		for _, name := range c.Kinds {
			k, ok := alerts.ParseKind(strings.TrimSpace(name))
			if !ok {
				return nil, nil, fmt.Errorf("unknown alert kind %q", name)
			}
			kinds = append(kinds, string(k))
		}
	}

	overrides := make(map[string]any, len(c.Thresholds))
	for key, raw := range c.Thresholds {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("threshold %s: %w", key, err)
		}
		overrides[key] = v
	}
	if merged := alerts.MergeThresholds(alerts.DefaultThresholds(), overrides); len(merged.Rejected) > 0 {
		return nil, nil, fmt.Errorf("invalid thresholds: %s", strings.Join(merged.Rejected, ", "))
	}
	return kinds, overrides, nil
}

func (a *admin) setAlerts(ctx context.Context, chatID string, change alertChange) error {
	kinds, overrides, err := change.parse()
	if err != nil {
		return err
	}
	user, err := a.user(ctx, chatID)
	if err != nil {
		return err
	}
	return a.store.UpdateAlertSettings(ctx, user.ID, func(s *database.UserAlertSettings) error {
		if change.Enabled != nil {
			s.Enabled = *change.Enabled
		}
		if kinds != nil {
			s.Kinds = kinds
		}
		if change.Reset || s.Thresholds == nil {
			s.Thresholds = database.JSONMap{}
		}
		for k, v := range overrides {
			s.Thresholds[k] = v
		}
		return nil
	})
}

func (a *admin) showUser(ctx context.Context, chatID string) error {
	user, err := a.user(ctx, chatID)
	if err != nil {
		return err
	}
	settings, err := a.store.AlertSettings(ctx, user.ID)
	if err != nil {
		return err
	}
	subs, err := a.store.Subscriptions(ctx, user.ID)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "User:       %s (id %d, %s, %s)\n", user.ChatID, user.ID, user.LanguageCode, user.State)
	fmt.Fprintf(a.out, "Alerts:     enabled=%t kinds=%s\n", settings.Enabled, strings.Join(settings.Kinds, ","))
	keys := make([]string, 0, len(settings.Thresholds))
	for k := range settings.Thresholds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(a.out, "Threshold:  %s=%v\n", k, settings.Thresholds[k])
	}
	for _, pk := range subs {
		fmt.Fprintf(a.out, "Subscribed: %s\n", pk)
	}
	return nil
}

// withAdmin opens the store for one admin command
func withAdmin(cmd *cobra.Command, fn func(ctx context.Context, a *admin) error) error {
	ctx := cmd.Context()
	cfg, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, &admin{store: store, salt: cfg.TelemetrySalt, out: cmd.OutOrStdout()})
}

func newUserCmd() *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage alert recipients",
	}

	var name, lang string
	addCmd := &cobra.Command{
		Use:   "add <chat-id>",
		Short: "Register a chat with every alert kind enabled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, a *admin) error {
				return a.addUser(ctx, args[0], name, lang)
			})
		},
	}
	addCmd.Flags().StringVar(&name, "name", "", "display name")
	addCmd.Flags().StringVar(&lang, "lang", "en", "message language")

	stateCmd := &cobra.Command{
		Use:   "state <chat-id> <member|kicked|left>",
		Short: "Set the chat membership state; only members receive alerts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, a *admin) error {
				return a.setState(ctx, args[0], args[1])
			})
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <chat-id>",
		Short: "Print a user's alert settings and subscriptions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, a *admin) error {
				return a.showUser(ctx, args[0])
			})
		},
	}

	userCmd.AddCommand(addCmd, stateCmd, showCmd)
	return userCmd
}

func newSubscribeCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "subscribe <chat-id> <pubkey>",
		Short: "Subscribe a user to a provider",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, a *admin) error {
				return a.subscribe(ctx, args[0], args[1], password)
			})
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "telemetry password, required when the provider publishes one")
	return cmd
}

func newUnsubscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unsubscribe <chat-id> <pubkey>",
		Short: "Remove a subscription and its active alerts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, a *admin) error {
				return a.unsubscribe(ctx, args[0], args[1])
			})
		},
	}
}

func newAlertsCmd() *cobra.Command {
	alertsCmd := &cobra.Command{
		Use:   "alerts",
		Short: "Manage per-user alert settings",
	}

	var (
		enabled    bool
		kinds      []string
		thresholds map[string]string
		reset      bool
	)
	setCmd := &cobra.Command{
		Use:   "set <chat-id>",
		Short: "Change the alert toggle, enabled kinds or threshold overrides",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			change := alertChange{Thresholds: thresholds, Reset: reset}
			if cmd.Flags().Changed("enabled") {
				change.Enabled = &enabled
			}
			if cmd.Flags().Changed("kinds") {
				change.Kinds = kinds
			}
			return withAdmin(cmd, func(ctx context.Context, a *admin) error {
				return a.setAlerts(ctx, args[0], change)
			})
		},
	}
	setCmd.Flags().BoolVar(&enabled, "enabled", true, "switch all alerts on or off")
	setCmd.Flags().StringSliceVar(&kinds, "kinds", nil, "enabled alert kinds, e.g. ram_high,service_restarted")
	setCmd.Flags().StringToStringVar(&thresholds, "threshold", nil, "threshold override, e.g. ram_high=70")
	setCmd.Flags().BoolVar(&reset, "reset-thresholds", false, "drop existing overrides first")

	alertsCmd.AddCommand(setCmd)
	return alertsCmd
}
