// Description: interactive client of the unix socket file server
// It connects to SOCKET_PATH, asks for the password and then reads commands
// with completion: list, download <file>, upload <file>, exit.
// Downloads are saved in DOWNLOAD_DIR (the current directory by default),
// uploads read a local file and store it under its base name.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/fatih/color"
	"github.com/jakobek09/FileServer-UDS/client"
	"github.com/jakobek09/FileServer-UDS/protocol"
	"github.com/jakobek09/FileServer-UDS/server"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/term"
)

var (
	okColor   = color.New(color.FgGreen)
	errColor  = color.New(color.FgRed)
	infoColor = color.New(color.FgCyan)
)

func main() {
	_ = godotenv.Load()

	socketPath := os.Getenv("SOCKET_PATH")
	if socketPath == "" {
		socketPath = server.DefaultSocketPath
	}
	framing, err := protocol.ParseFraming(os.Getenv("FRAMING"))
	if err != nil {
		errColor.Println(err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	c, err := client.Dial(ctx, socketPath, framing)
	cancel()
	if err != nil {
		errColor.Println("Error connecting to server:", err)
		os.Exit(1)
	}
	defer c.Close()
	infoColor.Printf("Connected to %s (%s framing)\n", socketPath, framing)

	if err := login(c); err != nil {
		errColor.Println(err)
		os.Exit(1)
	}
	okColor.Println("Password correct.")

	sh := &shell{client: c, downloadDir: os.Getenv("DOWNLOAD_DIR")}
	if sh.downloadDir == "" {
		sh.downloadDir = "."
	}

	p := prompt.New(
		sh.execute,
		sh.complete,
		prompt.OptionTitle("unix socket file client"),
		prompt.OptionPrefix("> "),
		prompt.OptionPrefixTextColor(prompt.Green),
		prompt.OptionPreviewSuggestionTextColor(prompt.Blue),
		prompt.OptionSelectedSuggestionBGColor(prompt.LightGray),
		prompt.OptionSuggestionBGColor(prompt.DarkGray),
		prompt.OptionCompletionWordSeparator(" "),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return breakline && (sh.closed || strings.TrimSpace(in) == protocol.Exit)
		}),
	)
	p.Run()
}

// login asks for the password until the server accepts it.
// SERVER_SECRET is tried first when it is set.
func login(c *client.Client) error {
	if secret := os.Getenv("SERVER_SECRET"); secret != "" {
		err := c.Login(secret)
		if !errors.Is(err, client.ErrAuthRejected) {
			return err
		}
		errColor.Println("SERVER_SECRET was rejected.")
	}

	for {
		secret, err := readPassword(protocol.PasswordPrompt)
		if err != nil {
			return err
		}
		err = c.Login(secret)
		if errors.Is(err, client.ErrAuthRejected) {
			errColor.Println(protocol.PasswordRejected)
			continue
		}
		return err
	}
}

func readPassword(label string) (string, error) {
	fmt.Print(label)
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		var line string
		if _, err := fmt.Scanln(&line); err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return line, nil
	}
	pass, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pass), nil
}

type shell struct {
	client      *client.Client
	downloadDir string
	// names seen by the last list, used for completion
	remoteFiles []string
	closed      bool
}

var commands = []prompt.Suggest{
	{Text: protocol.List, Description: "List the files on the server"},
	{Text: protocol.Download, Description: "Download a file from the server"},
	{Text: protocol.Upload, Description: "Upload a local file to the server"},
	{Text: protocol.Exit, Description: "Close the connection"},
}

func (sh *shell) complete(d prompt.Document) []prompt.Suggest {
	text := d.TextBeforeCursor()
	words := strings.Fields(text)
	if len(words) == 0 || (len(words) == 1 && !strings.HasSuffix(text, " ")) {
		return prompt.FilterHasPrefix(commands, d.GetWordBeforeCursor(), true)
	}

	var names []string
	switch words[0] {
	case protocol.Download:
		names = sh.remoteFiles
	case protocol.Upload:
		names = localFiles()
	default:
		return nil
	}
	suggestions := make([]prompt.Suggest, 0, len(names))
	for _, name := range names {
		suggestions = append(suggestions, prompt.Suggest{Text: name})
	}
	return prompt.FilterHasPrefix(suggestions, d.GetWordBeforeCursor(), false)
}

func localFiles() []string {
	entries, err := os.ReadDir(".")
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names
}

func (sh *shell) execute(in string) {
	if sh.closed {
		return
	}
	cmd, arg := protocol.ParseCommand(strings.TrimSpace(in))
	if cmd == "" {
		return
	}

	var err error
	switch cmd {
	case protocol.List:
		err = sh.list()
	case protocol.Download:
		err = sh.download(arg)
	case protocol.Upload:
		err = sh.upload(arg)
	case protocol.Exit:
		err = sh.client.Exit()
		sh.closed = true
		infoColor.Println("Bye.")
	default:
		// let the server answer anything we do not know
		var lines []string
		if err = sh.client.Send(in); err == nil {
			lines, err = sh.client.ReadReply()
		}
		for _, line := range lines {
			fmt.Println(line)
		}
	}

	if err != nil {
		errColor.Println(err)
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, client.ErrUnexpectedReply) {
			sh.closed = true
		}
	}
}

func (sh *shell) list() error {
	names, err := sh.client.List()
	if err != nil {
		return err
	}
	sh.remoteFiles = names

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("#", "Name")
	for i, name := range names {
		if err := table.Append([]string{strconv.Itoa(i + 1), name}); err != nil {
			return err
		}
	}
	return table.Render()
}

func (sh *shell) download(name string) error {
	if name == "" {
		return errors.New(protocol.MissingFileName)
	}
	data, err := sh.client.Download(name)
	if err != nil {
		return err
	}
	local := filepath.Join(sh.downloadDir, filepath.Base(name))
	if err := os.WriteFile(local, data, 0644); err != nil {
		return fmt.Errorf("saving %s: %w", local, err)
	}
	okColor.Printf("%s (%d bytes saved to %s)\n", protocol.DownloadOK(name), len(data), local)
	return nil
}

func (sh *shell) upload(path string) error {
	if path == "" {
		return errors.New(protocol.MissingFileName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading local file: %w", err)
	}
	name := filepath.Base(path)
	n, err := sh.client.Upload(name, data)
	if err != nil {
		return err
	}
	if n < len(data) {
		errColor.Printf("only the first %d of %d bytes fit in one %s frame\n", n, len(data), sh.client.Framing())
	}
	okColor.Println(protocol.UploadOK(name))
	return nil
}
