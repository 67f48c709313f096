package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mboxrd/model"
)

type candidate struct {
	header string
	body   string
	sender string
}

var (
	newsletter = candidate{"Subject: Weekly digest\r\nList-Id: <news.example.org>\r\n", "Read online.\r\n", "news@example.org"}
	invoice    = candidate{"Subject: Your invoice\r\nFrom: billing@example.com\r\n", "Amount due: 12 EUR\r\n", "billing@example.com"}
	bounce     = candidate{"Subject: Delivery Status Notification\r\n", "undeliverable\r\n", "MAILER-DAEMON"}
	personal   = candidate{"Subject: lunch?\r\nFrom: bob@example.net\r\n", "Tomorrow at noon, important.\r\n", "bob@example.net"}
)

func TestFilter_Allows(t *testing.T) {
	tests := []struct {
		name  string
		opts  Options
		allow map[string]bool
	}{
		{
			name:  "no patterns",
			opts:  Options{},
			allow: map[string]bool{"newsletter": true, "invoice": true, "bounce": true, "personal": true},
		},
		{
			name:  "include header",
			opts:  Options{IncludeHeader: []string{`(?m)^Subject: Your invoice`}},
			allow: map[string]bool{"invoice": true},
		},
		{
			name:  "include body",
			opts:  Options{IncludeBody: []string{`important`}},
			allow: map[string]bool{"personal": true},
		},
		{
			name:  "include any of header or sender",
			opts:  Options{IncludeHeader: []string{`List-Id:`}, IncludeSender: []string{`@example\.net$`}},
			allow: map[string]bool{"newsletter": true, "personal": true},
		},
		{
			name:  "exclude header",
			opts:  Options{ExcludeHeader: []string{`List-Id:`}},
			allow: map[string]bool{"invoice": true, "bounce": true, "personal": true},
		},
		{
			name:  "exclude sender",
			opts:  Options{ExcludeSender: []string{`^MAILER-DAEMON$`}},
			allow: map[string]bool{"newsletter": true, "invoice": true, "personal": true},
		},
		{
			name:  "exclude body or sender",
			opts:  Options{ExcludeBody: []string{`EUR`}, ExcludeSender: []string{`^news@`}},
			allow: map[string]bool{"bounce": true, "personal": true},
		},
	}

	candidates := map[string]candidate{"newsletter": newsletter, "invoice": invoice, "bounce": bounce, "personal": personal}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.opts)
			require.NoError(t, err)
			for name, c := range candidates {
				got := f.Allows([]byte(c.header), []byte(c.body), c.sender)
				assert.Equal(t, tt.allow[name], got, name)
			}
		})
	}
}

func TestNew_Errors(t *testing.T) {
	_, err := New(Options{IncludeHeader: []string{"a"}, ExcludeSender: []string{"b"}})
	assert.EqualError(t, err, "include and exclude filters are mutually exclusive")

	_, err = New(Options{ExcludeBody: []string{"("}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile exclude-body pattern")
}

func TestOptions_Active(t *testing.T) {
	assert.False(t, Options{}.Active())
	assert.True(t, Options{IncludeSender: []string{"x"}}.Active())
	assert.True(t, Options{ExcludeBody: []string{"x"}}.Active())
}

func TestFilter_GetStats(t *testing.T) {
	f, err := New(Options{ExcludeSender: []string{`^MAILER-DAEMON$`, `^postmaster@`}})
	require.NoError(t, err)

	assert.False(t, f.Allows([]byte(bounce.header), []byte(bounce.body), bounce.sender))
	assert.False(t, f.Allows([]byte(bounce.header), []byte(bounce.body), bounce.sender))
	assert.True(t, f.Allows([]byte(personal.header), []byte(personal.body), personal.sender))

	stats := f.GetStats()
	assert.Equal(t, []string{`^MAILER-DAEMON$`, `^postmaster@`}, stats.ExcludeSenderPatterns)
	assert.Empty(t, stats.IncludeHeaderPatterns)
	assert.Equal(t, map[string]int{`^MAILER-DAEMON$`: 2}, stats.Hits)

	stats.Hits["tampered"] = 1
	assert.NotContains(t, f.GetStats().Hits, "tampered")
}

func TestFilter_AllowsMessage(t *testing.T) {
	f, err := New(Options{IncludeBody: []string{"invoice"}})
	require.NoError(t, err)

	msg := model.Message{
		Raw:             []byte("Subject: invoice\r\n\r\nsee attachment\r\n"),
		EnvelopeAddress: "billing@example.com",
	}
	assert.False(t, f.AllowsMessage(msg), "only the header mentions invoice")

	msg.Raw = []byte("Subject: hello\r\n\r\nyour invoice is attached\r\n")
	assert.True(t, f.AllowsMessage(msg))

	sender, err := New(Options{IncludeSender: []string{`^billing@`}})
	require.NoError(t, err)
	assert.True(t, sender.AllowsMessage(msg))
	msg.EnvelopeAddress = ""
	assert.False(t, sender.AllowsMessage(msg))
}

func TestSplitRawMessage(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantHeader string
		wantBody   string
	}{
		{"crlf", "Header: value\r\n\r\nBody content", "Header: value", "Body content"},
		{"lf", "Header: value\n\nBody content", "Header: value", "Body content"},
		{"crlf wins when both appear", "A: 1\r\n\r\nx\n\ny", "A: 1", "x\n\ny"},
		{"header only", "All header content", "All header content", ""},
		{"empty", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header, body := SplitRawMessage([]byte(tt.raw))
			assert.Equal(t, tt.wantHeader, string(header))
			assert.Equal(t, tt.wantBody, string(body))
		})
	}
}
