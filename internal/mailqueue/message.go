package mailqueue

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// BuildHTMLEmailMessage constructs a properly formatted HTML email message
func BuildHTMLEmailMessage(from, to, subject, htmlBody string) []byte {
	return BuildEmailMessageWithHeaders(from, to, subject, htmlBody, map[string]string{
		"MIME-Version": "1.0",
	})
}

// BuildEmailMessageWithHeaders builds an email message with optional extra headers.
func BuildEmailMessageWithHeaders(from, to, subject, body string, headers map[string]string) []byte {
	var headerLines []string

	headerLines = append(headerLines, fmt.Sprintf("From: %s", from))
	headerLines = append(headerLines, fmt.Sprintf("To: %s", to))
	headerLines = append(headerLines, fmt.Sprintf("Subject: %s", subject))

	// Sorted so the raw message is stable.
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		headerLines = append(headerLines, fmt.Sprintf("%s: %s", k, headers[k]))
	}

	contentType := "text/plain; charset=UTF-8"
	if containsHTML(body) {
		contentType = "text/html; charset=UTF-8"
	}
	headerLines = append(headerLines, fmt.Sprintf("Content-Type: %s", contentType))

	return []byte(strings.Join(headerLines, "\r\n") + "\r\n\r\n" + body)
}

// BuildCaseThreadMessage builds an HTML message threaded under the case, so a
// mail client groups every SLA notification about one case together.
func BuildCaseThreadMessage(from, to, subject, htmlBody, domain, caseID string) []byte {
	root := CaseThreadID(caseID, domain)
	return BuildEmailMessageWithHeaders(from, to, subject, htmlBody, map[string]string{
		"MIME-Version": "1.0",
		"Message-ID":   GenerateMessageID(domain),
		"In-Reply-To":  root,
		"References":   root,
	})
}

// CaseThreadID is the synthetic thread root of a case.
func CaseThreadID(caseID, domain string) string {
	return fmt.Sprintf("<case-%s@%s>", caseID, domain)
}

// containsHTML checks if the content contains HTML tags
func containsHTML(content string) bool {
	htmlTags := []string{"<p>", "<br", "<div>", "<span>", "<strong>", "<em>", "<h1>", "<h2>", "<h3>", "<ul>", "<ol>", "<li>", "<table>", "<a ", "<blockquote>"}
	for _, tag := range htmlTags {
		if strings.Contains(content, tag) {
			return true
		}
	}
	return false
}

// GenerateMessageID creates a unique Message-ID header for email threading
func GenerateMessageID(domain string) string {
	randomBytes := make([]byte, 8)
	_, _ = rand.Read(randomBytes)
	return fmt.Sprintf("<%d.%s@%s>", time.Now().Unix(), hex.EncodeToString(randomBytes), domain)
}

// ExtractMessageIDFromRawMessage extracts the Message-ID header from a raw email message
func ExtractMessageIDFromRawMessage(rawMessage []byte) string {
	for _, line := range strings.Split(string(rawMessage), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if strings.HasPrefix(strings.ToLower(line), "message-id:") {
			parts := strings.SplitN(line, ":", 2)
			return strings.Trim(strings.TrimSpace(parts[1]), "<>")
		}
	}
	return ""
}
