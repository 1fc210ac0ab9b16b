package driver

import (
	"context"
	"errors"
	"fmt"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/appstate"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"nexusbot/internal/domain/group"
	"nexusbot/internal/domain/whatsapp"
)

// SendMessage envia a mensagem crua; retry e rate limiting são política
// do chamador
func (d *Driver) SendMessage(ctx context.Context, toJID string, m *whatsapp.OutgoingMessage) (*whatsapp.SendReceipt, error) {
	jid, err := types.ParseJID(toJID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", whatsapp.ErrInvalidJID, toJID)
	}

	msg, err := d.buildMessage(ctx, m)
	if err != nil {
		return nil, err
	}

	resp, err := d.cli.SendMessage(ctx, jid, msg)
	if err != nil {
		return nil, mapError(err)
	}

	return &whatsapp.SendReceipt{
		MessageID: resp.ID,
		Timestamp: resp.Timestamp.Unix(),
	}, nil
}

// buildMessage monta o payload waE2E a partir do conteúdo de domínio
func (d *Driver) buildMessage(ctx context.Context, m *whatsapp.OutgoingMessage) (*waE2E.Message, error) {
	switch {
	case m.StickerWebP != nil:
		uploaded, err := d.cli.Upload(ctx, m.StickerWebP, whatsmeow.MediaImage)
		if err != nil {
			return nil, mapError(err)
		}
		return &waE2E.Message{
			StickerMessage: &waE2E.StickerMessage{
				URL:           proto.String(uploaded.URL),
				DirectPath:    proto.String(uploaded.DirectPath),
				MediaKey:      uploaded.MediaKey,
				Mimetype:      proto.String("image/webp"),
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    proto.Uint64(uploaded.FileLength),
			},
		}, nil

	case m.ImageJPEG != nil:
		uploaded, err := d.cli.Upload(ctx, m.ImageJPEG, whatsmeow.MediaImage)
		if err != nil {
			return nil, mapError(err)
		}
		return &waE2E.Message{
			ImageMessage: &waE2E.ImageMessage{
				URL:           proto.String(uploaded.URL),
				DirectPath:    proto.String(uploaded.DirectPath),
				MediaKey:      uploaded.MediaKey,
				Mimetype:      proto.String("image/jpeg"),
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    proto.Uint64(uploaded.FileLength),
				Caption:       proto.String(m.Caption),
				ContextInfo:   buildContextInfo(m),
			},
		}, nil

	default:
		ctxInfo := buildContextInfo(m)
		if ctxInfo == nil {
			return &waE2E.Message{Conversation: proto.String(m.Text)}, nil
		}
		return &waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text:        proto.String(m.Text),
				ContextInfo: ctxInfo,
			},
		}, nil
	}
}

// buildContextInfo retorna nil quando a mensagem não carrega menções,
// quote nem expiração efêmera
func buildContextInfo(m *whatsapp.OutgoingMessage) *waE2E.ContextInfo {
	if !m.HasMentions() && m.QuotedID == "" && m.EphemeralExpiration == 0 {
		return nil
	}

	ctxInfo := &waE2E.ContextInfo{}
	if m.HasMentions() {
		ctxInfo.MentionedJID = m.Mentions
	}
	if m.QuotedID != "" {
		ctxInfo.StanzaID = proto.String(m.QuotedID)
		ctxInfo.QuotedMessage = &waE2E.Message{Conversation: proto.String("")}
	}
	if m.EphemeralExpiration > 0 {
		ctxInfo.Expiration = proto.Uint32(m.EphemeralExpiration)
	}
	return ctxInfo
}

// GroupMetadata busca metadados de grupo direto do servidor
func (d *Driver) GroupMetadata(ctx context.Context, groupJID string) (*group.Metadata, error) {
	jid, err := types.ParseJID(groupJID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", whatsapp.ErrInvalidJID, groupJID)
	}

	info, err := d.cli.GetGroupInfo(jid)
	if err != nil {
		return nil, mapError(err)
	}

	meta := &group.Metadata{
		ID:           info.JID.String(),
		Subject:      info.Name,
		Announce:     info.IsAnnounce,
		Restrict:     info.IsLocked,
		Participants: make([]group.Participant, 0, len(info.Participants)),
	}
	for _, p := range info.Participants {
		role := group.RoleMember
		if p.IsSuperAdmin {
			role = group.RoleSuperAdmin
		} else if p.IsAdmin {
			role = group.RoleAdmin
		}
		participant := group.Participant{
			ID:          p.JID.String(),
			JID:         p.JID.String(),
			PhoneNumber: group.PhonePart(p.JID.String()),
			Admin:       role,
		}
		if !p.LID.IsEmpty() {
			participant.JID = p.LID.String()
		}
		meta.Participants = append(meta.Participants, participant)
	}
	meta.Normalize()
	return meta, nil
}

// OnWhatsApp verifica se números estão registrados
func (d *Driver) OnWhatsApp(ctx context.Context, phones ...string) ([]whatsapp.RegistrationCheck, error) {
	resp, err := d.cli.IsOnWhatsApp(phones)
	if err != nil {
		return nil, mapError(err)
	}

	checks := make([]whatsapp.RegistrationCheck, 0, len(resp))
	for _, r := range resp {
		checks = append(checks, whatsapp.RegistrationCheck{
			Phone:  r.Query,
			JID:    r.JID.String(),
			Exists: r.IsIn,
		})
	}
	return checks, nil
}

// FollowNewsletter segue um canal
func (d *Driver) FollowNewsletter(ctx context.Context, jidStr string) error {
	jid, err := types.ParseJID(jidStr)
	if err != nil {
		return fmt.Errorf("%w: %s", whatsapp.ErrInvalidJID, jidStr)
	}
	if err := d.cli.FollowNewsletter(jid); err != nil {
		return mapError(err)
	}
	return nil
}

// SubscribeNewsletterUpdates inscreve a sessão nas atualizações ao vivo
func (d *Driver) SubscribeNewsletterUpdates(ctx context.Context, jidStr string) error {
	jid, err := types.ParseJID(jidStr)
	if err != nil {
		return fmt.Errorf("%w: %s", whatsapp.ErrInvalidJID, jidStr)
	}
	if _, err := d.cli.NewsletterSubscribeLiveUpdates(ctx, jid); err != nil {
		return mapError(err)
	}
	return nil
}

// UnmuteNewsletter desmuta um canal
func (d *Driver) UnmuteNewsletter(ctx context.Context, jidStr string) error {
	jid, err := types.ParseJID(jidStr)
	if err != nil {
		return fmt.Errorf("%w: %s", whatsapp.ErrInvalidJID, jidStr)
	}
	if err := d.cli.NewsletterToggleMute(jid, false); err != nil {
		return mapError(err)
	}
	return nil
}

// NewsletterMetadata busca os metadados mínimos de um canal
func (d *Driver) NewsletterMetadata(ctx context.Context, jidStr string) (*whatsapp.NewsletterInfo, error) {
	jid, err := types.ParseJID(jidStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", whatsapp.ErrInvalidJID, jidStr)
	}

	meta, err := d.cli.GetNewsletterInfo(jid)
	if err != nil {
		return nil, mapError(err)
	}

	return &whatsapp.NewsletterInfo{
		JID:        meta.ID.String(),
		Name:       meta.ThreadMeta.Name.Text,
		Subscribed: meta.ViewerMeta != nil,
	}, nil
}

// PinChat fixa ou desafixa um chat via app state
func (d *Driver) PinChat(ctx context.Context, jidStr string, pinned bool) error {
	jid, err := types.ParseJID(jidStr)
	if err != nil {
		return fmt.Errorf("%w: %s", whatsapp.ErrInvalidJID, jidStr)
	}
	if err := d.cli.SendAppState(ctx, appstate.BuildPin(jid, pinned)); err != nil {
		return mapError(err)
	}
	return nil
}

// ResolveLID mapeia um LID para o JID de telefone; identificadores que
// não são LID (ou sem mapeamento conhecido) voltam inalterados
func (d *Driver) ResolveLID(ctx context.Context, lid string) (string, error) {
	jid, err := types.ParseJID(lid)
	if err != nil || jid.Server != types.HiddenUserServer {
		return lid, nil
	}

	pn, err := d.cli.Store.LIDs.GetPNForLID(ctx, jid)
	if err != nil || pn.IsEmpty() {
		return lid, nil
	}
	return pn.String(), nil
}

// messageForRetry alimenta retries de decriptação a partir do índice de
// mensagens da sessão
func (d *Driver) messageForRetry(requester, to types.JID, id types.MessageID) *waE2E.Message {
	fn := d.loadGetMessage()
	if fn == nil {
		return nil
	}
	msg := fn(to.String(), string(id))
	if msg == nil {
		return nil
	}
	raw, _ := msg.Raw.(*waE2E.Message)
	return raw
}

// mapError traduz erros do whatsmeow para os sentinelas de domínio
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var iqErr *whatsmeow.IQError
	if errors.As(err, &iqErr) {
		switch iqErr.Code {
		case 429:
			return fmt.Errorf("%w: %v", whatsapp.ErrRateLimited, err)
		case 403, 405:
			return fmt.Errorf("%w: %v", whatsapp.ErrForbidden, err)
		case 401:
			return fmt.Errorf("%w: %v", whatsapp.ErrNotAuthorized, err)
		case 404:
			return fmt.Errorf("%w: %v", whatsapp.ErrRecipientNotFound, err)
		}
	}

	switch {
	case errors.Is(err, whatsmeow.ErrIQTimedOut), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", whatsapp.ErrSendTimeout, err)
	case errors.Is(err, whatsmeow.ErrNotConnected):
		return fmt.Errorf("%w: %v", whatsapp.ErrNotConnected, err)
	case errors.Is(err, whatsmeow.ErrNotLoggedIn):
		return fmt.Errorf("%w: %v", whatsapp.ErrNoValidAuth, err)
	}
	return err
}
