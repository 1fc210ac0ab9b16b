package driver

import (
	"strconv"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"nexusbot/internal/domain/group"
	"nexusbot/internal/domain/message"
	"nexusbot/internal/domain/whatsapp"
)

// translateEvent converte eventos do whatsmeow para os tipos de domínio
func (d *Driver) translateEvent(evt any) {
	switch e := evt.(type) {
	case *events.Connected:
		d.emit(&whatsapp.ConnectionUpdate{State: whatsapp.StateOpen})

	case *events.PairSuccess:
		d.log.Info().Str("jid", e.ID.String()).Msg("Pairing completed")
		d.emit(&whatsapp.CredsUpdate{})

	case *events.Disconnected:
		d.emit(&whatsapp.ConnectionUpdate{State: whatsapp.StateClosed})

	case *events.LoggedOut:
		code := whatsapp.CodeLoggedOut
		if e.Reason != 0 {
			code = whatsapp.DisconnectCode(int(e.Reason))
		}
		d.emit(&whatsapp.ConnectionUpdate{State: whatsapp.StateClosed, Code: code})

	case *events.StreamReplaced:
		d.emit(&whatsapp.ConnectionUpdate{State: whatsapp.StateClosed, Code: whatsapp.CodeConnectionReplaced})

	case *events.StreamError:
		code := whatsapp.CodeBadSession
		if parsed, err := strconv.Atoi(e.Code); err == nil {
			code = whatsapp.DisconnectCode(parsed)
		}
		d.emit(&whatsapp.ConnectionUpdate{State: whatsapp.StateClosed, Code: code})

	case *events.ConnectFailure:
		d.emit(&whatsapp.ConnectionUpdate{
			State: whatsapp.StateClosed,
			Code:  whatsapp.DisconnectCode(int(e.Reason)),
		})

	case *events.TemporaryBan:
		d.log.Warn().Str("reason", e.Code.String()).Msg("Account temporarily banned")
		d.emit(&whatsapp.ConnectionUpdate{State: whatsapp.StateClosed, Code: whatsapp.CodeUnavailable})

	case *events.Message:
		d.emit(&whatsapp.MessagesUpsert{
			Messages: []*message.Message{d.mapMessage(e)},
			Type:     "notify",
		})

	case *events.Receipt:
		d.emitReceipt(e)

	case *events.GroupInfo:
		d.emitGroupInfo(e)

	case *events.JoinedGroup:
		// Entrar em um grupo invalida qualquer metadado antigo
		d.emit(&whatsapp.GroupsUpdate{Updates: []whatsapp.GroupUpdate{{JID: e.JID.String()}}})

	case *events.PushName:
		d.emit(&whatsapp.ContactsUpdate{Updates: []whatsapp.ContactUpdate{{
			JID:      e.JID.String(),
			PushName: e.NewPushName,
		}}})

	case *events.CallOffer:
		d.emit(&whatsapp.CallEvent{
			CallID:  e.CallID,
			FromJID: e.From.String(),
			Status:  "offer",
		})

	case *events.CallTerminate:
		d.emit(&whatsapp.CallEvent{
			CallID:  e.CallID,
			FromJID: e.From.String(),
			Status:  "terminate",
		})
	}
}

// mapMessage extrai os campos de domínio de um evento de mensagem
func (d *Driver) mapMessage(evt *events.Message) *message.Message {
	info := evt.Info

	msg := &message.Message{
		Key: message.Key{
			ChatJID: info.Chat.String(),
			ID:      info.ID,
		},
		SenderJID:   info.Sender.String(),
		SenderPhone: group.PhonePart(info.Sender.String()),
		PushName:    info.PushName,
		Text:        extractText(evt.Message),
		IsGroup:     info.IsGroup,
		IsFromMe:    info.IsFromMe,
		Timestamp:   info.Timestamp,
		Mentions:    extractMentions(evt.Message),
		Raw:         evt.Message,
	}
	return msg
}

func (d *Driver) emitReceipt(evt *events.Receipt) {
	if len(evt.MessageIDs) == 0 {
		return
	}

	updates := make([]whatsapp.MessageUpdate, 0, len(evt.MessageIDs))
	for _, id := range evt.MessageIDs {
		updates = append(updates, whatsapp.MessageUpdate{
			Key:    message.Key{ChatJID: evt.Chat.String(), ID: id},
			Status: string(evt.Type),
		})
	}
	d.emit(&whatsapp.MessagesUpdate{Updates: updates})
}

// emitGroupInfo fatia um GroupInfo do whatsmeow nos eventos de domínio:
// mudanças de participantes viram GroupParticipantsUpdate, o resto vira
// uma atualização parcial de metadados
func (d *Driver) emitGroupInfo(evt *events.GroupInfo) {
	jid := evt.JID.String()

	if len(evt.Join) > 0 {
		d.emit(participantsUpdate(jid, whatsapp.ParticipantAdd, evt.Join))
	}
	if len(evt.Leave) > 0 {
		d.emit(participantsUpdate(jid, whatsapp.ParticipantRemove, evt.Leave))
	}
	if len(evt.Promote) > 0 {
		d.emit(participantsUpdate(jid, whatsapp.ParticipantPromote, evt.Promote))
	}
	if len(evt.Demote) > 0 {
		d.emit(participantsUpdate(jid, whatsapp.ParticipantDemote, evt.Demote))
	}

	update := whatsapp.GroupUpdate{JID: jid}
	changed := false
	if evt.Name != nil {
		subject := evt.Name.Name
		update.Subject = &subject
		changed = true
	}
	if evt.Announce != nil {
		announce := evt.Announce.IsAnnounce
		update.Announce = &announce
		changed = true
	}
	if evt.Locked != nil {
		restrict := evt.Locked.IsLocked
		update.Restrict = &restrict
		changed = true
	}
	if changed {
		d.emit(&whatsapp.GroupsUpdate{Updates: []whatsapp.GroupUpdate{update}})
	}
}

func participantsUpdate(groupJID string, action whatsapp.ParticipantAction, jids []types.JID) *whatsapp.GroupParticipantsUpdate {
	participants := make([]group.Participant, 0, len(jids))
	for _, jid := range jids {
		participants = append(participants, group.Participant{
			ID:          jid.String(),
			JID:         jid.String(),
			PhoneNumber: group.PhonePart(jid.String()),
		})
	}
	return &whatsapp.GroupParticipantsUpdate{
		GroupJID:     groupJID,
		Action:       action,
		Participants: participants,
	}
}

// extractText busca o corpo textual nos contêineres usuais da mensagem
func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if video := msg.GetVideoMessage(); video != nil {
		return video.GetCaption()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return doc.GetCaption()
	}
	return ""
}

func extractMentions(msg *waE2E.Message) []string {
	ctxInfo := extractContextInfo(msg)
	if ctxInfo == nil {
		return nil
	}
	return ctxInfo.GetMentionedJID()
}

func extractContextInfo(msg *waE2E.Message) *waE2E.ContextInfo {
	if msg == nil {
		return nil
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetContextInfo()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetContextInfo()
	}
	if video := msg.GetVideoMessage(); video != nil {
		return video.GetContextInfo()
	}
	return nil
}
