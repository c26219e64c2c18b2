package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/nimbusworks/taskpipe/internal/model"
)

const mitLicense = `MIT License

Copyright (c) %d %s

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
`

// ProjectFiles renders the artifact content for a submission. Deterministic
// for a given record, so a resumed pipeline regenerates identical content.
func ProjectFiles(s *model.Submission) map[string]string {
	escaped := htmlEscape(s.Brief)
	return map[string]string{
		"index.html": fmt.Sprintf("<html><body><p>%s</p></body></html>", escaped),
		"README.md":  fmt.Sprintf("# Task Brief\n%s\n\nKey: %s\n", s.Brief, s.SubmitKey),
		"LICENSE":    fmt.Sprintf(mitLicense, time.Now().Year(), s.Subject),
	}
}

// ArtifactName derives the deterministic repository name for a submission,
// so repeated executions converge on the same artifact.
func ArtifactName(s *model.Submission) string {
	return fmt.Sprintf("task-%s-r%d", slug(s.SubmitKey), s.Round)
}

func slug(s string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(s) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
		case c == '-' || c == '_' || c == '.':
			b.WriteRune(c)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
