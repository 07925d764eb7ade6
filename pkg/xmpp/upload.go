// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package xmpp

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"mellium.im/xmpp/jid"

	"github.com/aiku/atl-bridge/pkg/event"
)

// MaxUploadSize is the largest file sent through HTTP upload.
const MaxUploadSize = 10 * 1024 * 1024

var (
	ErrNoUploadService = errors.New("no XMPP upload service configured")
	ErrFileTooLarge    = errors.New("file too large for XMPP upload")
)

// SendFileWithFallback shares data in the room mapped to mucJID on behalf of
// the Discord user discordID. The file goes through XEP-0363 HTTP upload and
// is announced with its GET URL; when that fails, a message with linkURL is
// sent instead. The returned error is the upload failure, if any.
func (a *Adapter) SendFileWithFallback(ctx context.Context, discordID, mucJID string, data []byte,
	filename, nick, linkURL string) error {
	room, err := jid.Parse(mucJID)
	if err != nil {
		return fmt.Errorf("invalid MUC JID %q: %w", mucJID, err)
	}
	room = room.Bare()
	s := a.session()
	if s == nil {
		return ErrNotConnected
	}
	user, _, err := a.occupantFor(ctx, s, room, event.OriginDiscord, discordID, nick)
	if err != nil {
		return fmt.Errorf("failed to join %s: %w", room, err)
	}

	getURL, uploadErr := a.upload(ctx, s, user, data, filename)
	out := outMessage{ID: a.newID(), From: user, To: room}
	switch {
	case uploadErr == nil:
		out.Body = getURL
		out.OOBURL = getURL
	case linkURL != "":
		a.log.Warn().Err(uploadErr).Str("filename", filename).Msg("HTTP upload failed, sending link instead")
		out.Body = linkURL
	default:
		return uploadErr
	}
	if err := s.Send(ctx, out.TokenReader()); err != nil {
		return fmt.Errorf("failed to send file message: %w", err)
	}
	return uploadErr
}

// upload requests a slot for data and PUTs it, returning the GET URL.
func (a *Adapter) upload(ctx context.Context, s stanzaSender, from jid.JID, data []byte, filename string) (string, error) {
	if len(data) > MaxUploadSize {
		return "", ErrFileTooLarge
	}
	service := a.cfg.Load().XMPPUploadService
	if service == "" {
		return "", ErrNoUploadService
	}
	serviceJID, err := jid.Parse(service)
	if err != nil {
		return "", fmt.Errorf("invalid upload service %q: %w", service, err)
	}
	contentType := http.DetectContentType(data)

	resp, err := s.SendIQ(ctx, slotRequest(uuid.NewString(), from, serviceJID, filename, len(data), contentType))
	if err != nil {
		return "", fmt.Errorf("failed to request upload slot: %w", err)
	}
	defer resp.Close()
	var iq slotIQ
	if err := xml.NewTokenDecoder(resp).Decode(&iq); err != nil {
		return "", fmt.Errorf("failed to decode upload slot: %w", err)
	}
	if iq.Type == "error" || iq.Slot == nil {
		cond := "no slot"
		if iq.Error != nil {
			cond = iq.Error.Condition()
		}
		return "", fmt.Errorf("upload slot refused: %s", cond)
	}
	if iq.Slot.Put.URL == "" || iq.Slot.Get.URL == "" {
		return "", errors.New("upload slot is missing a URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, iq.Slot.Put.URL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to prepare upload: %w", err)
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", contentType)
	for _, h := range iq.Slot.Put.Headers {
		switch http.CanonicalHeaderKey(h.Name) {
		case "Authorization", "Cookie", "Expires":
			req.Header.Set(h.Name, h.Value)
		}
	}
	put, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to upload file: %w", err)
	}
	defer put.Body.Close()
	_, _ = io.Copy(io.Discard, put.Body)
	if put.StatusCode < 200 || put.StatusCode >= 300 {
		return "", fmt.Errorf("upload rejected with HTTP %d", put.StatusCode)
	}
	a.log.Debug().Str("filename", filename).Int("size", len(data)).Str("url", iq.Slot.Get.URL).Msg("Uploaded file")
	return iq.Slot.Get.URL, nil
}
