// Description: protocol package
// This package contains the wire protocol spoken over the unix socket:
// the commands a client may send, the fixed replies of the server,
// and the codecs that tell a control line apart from file bytes.

package protocol

import (
	"fmt"
	"strings"
)

// Command is a control verb sent by the client
type Command = string

const (
	List     Command = "list"     // List the regular files of the store
	Download Command = "download" // Download a file, argument is the file name
	Upload   Command = "upload"   // Upload a file, argument is the file name, the payload follows the ack
	Exit     Command = "exit"     // Close the session
)

// Fixed server replies.
const (
	PasswordPrompt   = "Enter the password: "
	PasswordAccepted = "Password correct."
	PasswordRejected = "Password incorrect. Try again."
	CommandPrompt    = "Enter the command (list, download <filename>, upload <filename>, exit):"

	ListHeader = "Files in the directory:"
	ListEnd    = "End of list."
	ListFailed = "Unable to open directory."

	UnknownCommand  = "Unknown command."
	MissingFileName = "Missing file name."
	NoUploadData    = "No data received for the file."
	UploadFailed    = "Error writing file to the server."
	TooManySessions = "Too many sessions, try again later."
)

// FileNotFound is the reply to a download of a file the store does not have.
func FileNotFound(name string) string {
	return fmt.Sprintf("File %s not found.", name)
}

// DownloadOK follows the payload of a successful download.
func DownloadOK(name string) string {
	return fmt.Sprintf("File %s downloaded successfully.", name)
}

// UploadOK is sent once the uploaded payload is on disk.
func UploadOK(name string) string {
	return fmt.Sprintf("File %s uploaded successfully.", name)
}

// UploadReady acknowledges an upload command, the client sends the payload only after it.
func UploadReady(name string) string {
	return fmt.Sprintf("Ready to receive %s.", name)
}

func InvalidFileName(name string) string {
	return fmt.Sprintf("Invalid file name %s.", name)
}

func PayloadTooLarge(name string) string {
	return fmt.Sprintf("File %s is too large.", name)
}

// ParseCommand splits a control line into the verb and its argument.
// "download a b.txt" gives ("download", "a b.txt").
func ParseCommand(line string) (cmd Command, arg string) {
	cmd, arg, _ = strings.Cut(line, " ")
	return cmd, arg
}
