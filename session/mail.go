// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/driftline/driftline/imapproxy"
)

const mailTimeout = 10 * time.Second

// checkMail asks the upstream IMAP server for the user's INBOX counts.
// The upstream connection is cached in the session's pool, so repeated
// checks reuse it.
func (s *session) checkMail() {
	if s.e.cfg.MailAddr == "" {
		s.printf("No mail system is configured on this board.\n")
		return
	}
	user := s.n.User()
	if user == nil || user.Guest {
		s.printf("Sorry, guest accounts have no mailbox.\n")
		return
	}
	if s.mail == nil {
		s.mail = imapproxy.NewPool(s.e.cfg.MailPool, s.e.cfg.MailDial, s.log)
	}

	u, err := s.mail.Get(strings.ToLower(user.Name), s.e.cfg.MailAddr)
	if err != nil {
		s.log.Warn("mail upstream", "err", err)
		s.printf("The mail system is not responding.\n")
		return
	}
	box := u.TranslateMailbox("INBOX")
	lines, err := u.Exchange(fmt.Sprintf("STATUS %q (MESSAGES UNSEEN)", box), mailTimeout)
	if err != nil {
		s.log.Warn("mail status", "err", err)
		s.printf("The mail system is not responding.\n")
		return
	}
	total, unseen, ok := parseStatusCounts(lines)
	if !ok {
		s.printf("The mail system gave an answer I did not understand.\n")
		return
	}
	if total == 0 {
		s.printf("\nYour mailbox is empty.\n")
		return
	}
	s.printf("\nYou have %d message(s), %d unseen.\n", total, unseen)
}

// parseStatusCounts pulls MESSAGES and UNSEEN out of an untagged
// STATUS reply, e.g. * STATUS "INBOX" (MESSAGES 3 UNSEEN 1).
func parseStatusCounts(lines []string) (total, unseen int, ok bool) {
	for _, line := range lines {
		if !strings.HasPrefix(line, "* STATUS") {
			continue
		}
		open := strings.IndexByte(line, '(')
		end := strings.LastIndexByte(line, ')')
		if open < 0 || end <= open {
			return 0, 0, false
		}
		fields := strings.Fields(line[open+1 : end])
		for i := 0; i+1 < len(fields); i += 2 {
			v, err := strconv.Atoi(fields[i+1])
			if err != nil {
				return 0, 0, false
			}
			switch strings.ToUpper(fields[i]) {
			case "MESSAGES":
				total = v
			case "UNSEEN":
				unseen = v
			}
		}
		return total, unseen, true
	}
	return 0, 0, false
}
