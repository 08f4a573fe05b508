package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLine_SimpleVerbs(t *testing.T) {
	line := ParseLine("QUIT")
	require.Equal(t, VerbQUIT, line.Verb)
	require.Empty(t, line.Err)

	line = ParseLine("RSET")
	require.Equal(t, VerbRSET, line.Verb)

	line = ParseLine("DATA extra")
	require.Equal(t, VerbDATA, line.Verb)
	require.NotEmpty(t, line.Err)
}

func TestParseLine_HeloEhlo(t *testing.T) {
	line := ParseLine("EHLO mail.example.com")
	require.Equal(t, VerbEHLO, line.Verb)
	require.Equal(t, "mail.example.com", line.Arg)

	line = ParseLine("HELO")
	require.Equal(t, VerbHELO, line.Verb)
	require.Empty(t, line.Arg)
}

func TestParseLine_MailFromWithParams(t *testing.T) {
	line := ParseLine("MAIL FROM:<alice@example.com> SIZE=1024 BODY=8BITMIME")
	require.Empty(t, line.Err)
	require.Equal(t, VerbMAILFROM, line.Verb)
	require.Equal(t, "alice@example.com", line.Arg)
	require.Equal(t, "1024", line.Params["SIZE"])
	require.Equal(t, "8BITMIME", line.Params["BODY"])
}

func TestParseLine_RcptToNoParams(t *testing.T) {
	line := ParseLine("RCPT TO:<bob@example.com>")
	require.Empty(t, line.Err)
	require.Equal(t, "bob@example.com", line.Arg)
	require.Nil(t, line.Params)
}

func TestParseLine_MailFromMalformed(t *testing.T) {
	line := ParseLine("MAIL FROM:alice@example.com")
	require.NotEmpty(t, line.Err)
}

func TestParseLine_Bdat(t *testing.T) {
	line := ParseLine("BDAT 1024 LAST")
	require.Empty(t, line.Err)
	require.Equal(t, "1024", line.Arg)
	require.Equal(t, "true", line.Params["LAST"])

	line = ParseLine("BDAT 512")
	require.Empty(t, line.Err)
	require.Nil(t, line.Params)
}

func TestParseLine_Auth(t *testing.T) {
	line := ParseLine("AUTH PLAIN AGFsaWNlAHNlY3JldA==")
	require.Empty(t, line.Err)
	require.Equal(t, "PLAIN", line.Arg)
	require.Equal(t, "AGFsaWNlAHNlY3JldA==", line.Params["initial"])

	line = ParseLine("AUTH LOGIN")
	require.Empty(t, line.Err)
	require.Equal(t, "LOGIN", line.Arg)
	require.Nil(t, line.Params)
}

func TestParseLine_UnrecognizedCommand(t *testing.T) {
	line := ParseLine("FROBNICATE something")
	require.Equal(t, "unrecognized command", line.Err)
}

func TestParseLine_RejectsNonASCII(t *testing.T) {
	line := ParseLine("EHLO café.example.com")
	require.NotEmpty(t, line.Err)
}

func TestVerbString(t *testing.T) {
	require.Equal(t, "EHLO", VerbEHLO.String())
	require.Equal(t, "UNKNOWN", VerbUnknown.String())
}
