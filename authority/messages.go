package authority

import (
	"context"

	"github.com/hazyhaar/quietfeed/authcache"
	"github.com/hazyhaar/quietfeed/message"
)

// RegisterMessages installs the authority's actions on r. auth may be nil,
// in which case the auth actions are not registered.
func (a *Authority) RegisterMessages(r *message.Router, auth *authcache.Cache) {
	r.RegisterLocal(message.ActionUpdateSettings, message.Typed(
		func(ctx context.Context, req message.Request) (message.Success, error) {
			if len(req.Settings) == 0 {
				a.logger.Warn("authority: update without settings ignored")
				return message.Success{Error: ErrNoSettings.Error()}, nil
			}
			if _, err := a.Apply(ctx, req.Settings); err != nil {
				return message.Success{Error: err.Error()}, nil
			}
			return message.Success{Success: true}, nil
		}))

	r.RegisterLocal(message.ActionGetSettings, message.Typed(
		func(ctx context.Context, _ message.Request) (message.Settings, error) {
			snap, err := a.Snapshot(ctx)
			if err != nil {
				return message.Settings{}, err
			}
			return message.Settings{Settings: snap}, nil
		}))

	if auth == nil {
		return
	}

	r.RegisterLocal(message.ActionSaveAuthToken, message.Typed(
		func(ctx context.Context, req message.Request) (message.Success, error) {
			if err := auth.Save(ctx, req.Token, req.UserData); err != nil {
				a.logger.Error("authority: save auth token", "error", err)
				return message.Success{Error: err.Error()}, nil
			}
			return message.Success{Success: true}, nil
		}))

	r.RegisterLocal(message.ActionGetAuthToken, message.Typed(
		func(ctx context.Context, _ message.Request) (message.AuthToken, error) {
			e, err := auth.Read(ctx)
			if err != nil {
				a.logger.Warn("authority: read auth token", "error", err)
				return message.AuthToken{}, nil
			}
			if !e.IsValid {
				return message.AuthToken{}, nil
			}
			tok := e.Token
			return message.AuthToken{Token: &tok, UserData: e.UserData, IsValid: true}, nil
		}))

	r.RegisterLocal(message.ActionClearAuth, message.Typed(
		func(ctx context.Context, _ message.Request) (message.Success, error) {
			if err := auth.Clear(ctx); err != nil {
				a.logger.Error("authority: clear auth", "error", err)
				return message.Success{Error: err.Error()}, nil
			}
			return message.Success{Success: true}, nil
		}))
}
