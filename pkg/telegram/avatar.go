// Copyright 2024-2026 Aiku AI

package telegram

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mymmrac/telego"

	"github.com/aiku/telebridge/pkg/bridge"
)

// AvatarSource resolves Telegram profile pictures so ghost users can mirror
// them. Register it on the identity provisioner.
type AvatarSource struct {
	bot BotAPI
}

// NewAvatarSource wires profile picture resolution over the Bot API.
func NewAvatarSource(bot BotAPI) *AvatarSource {
	return &AvatarSource{bot: bot}
}

func (a *AvatarSource) Platform() bridge.Platform {
	return bridge.PlatformTelegram
}

// AvatarURL returns a download URL for the user's current profile picture,
// or "" when the user has none or hides them from the bot.
func (a *AvatarSource) AvatarURL(ctx context.Context, userID string) (string, error) {
	uid, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("bad telegram user ID %q: %w", userID, err)
	}
	photos, err := a.bot.GetUserProfilePhotos(ctx, &telego.GetUserProfilePhotosParams{
		UserID: uid,
		Limit:  1,
	})
	if err != nil {
		return "", classifyError(err)
	}
	if photos == nil || len(photos.Photos) == 0 || len(photos.Photos[0]) == 0 {
		return "", nil
	}

	// Each photo comes in several sizes; take the largest.
	sizes := photos.Photos[0]
	best := sizes[0]
	for _, size := range sizes[1:] {
		if size.Width*size.Height > best.Width*best.Height {
			best = size
		}
	}
	file, err := a.bot.GetFile(ctx, &telego.GetFileParams{FileID: best.FileID})
	if err != nil {
		return "", classifyError(err)
	}
	return a.bot.FileDownloadURL(file.FilePath), nil
}
