package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	flag "github.com/spf13/pflag"

	"github.com/brianhealey/drone-relay/internal/models"
	"github.com/brianhealey/drone-relay/internal/protocol"
)

func main() {
	log.SetFlags(0)

	server := flag.String("url", "ws://localhost:8000", "relay base URL")
	role := flag.StringP("role", "r", "application", "client role: drone or application")
	id := flag.String("id", "", "client id (generated by the server when empty)")
	token := flag.String("token", os.Getenv("AUTH_TOKEN"), "auth token")
	flag.Parse()

	if _, err := models.ParseRole(*role); err != nil {
		log.Fatalf("Invalid role: %v", err)
	}

	fmt.Println("Drone Relay Client")
	fmt.Println("==================")

	client, err := Dial(*server, *role, *id, *token)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Printf("Error during disconnect: %v", err)
		}
	}()

	menu := NewMenu(client)
	if err := menu.Run(); err != nil {
		log.Printf("Menu error: %v", err)
		os.Exit(1)
	}
}

// Client is a websocket connection to the relay
type Client struct {
	conn *websocket.Conn
	role string
	mu   sync.Mutex
	done chan struct{}
}

// Dial connects to /ws/{role}/{id} and starts printing inbound messages
func Dial(base, role, id, token string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	u.Path += "/ws/" + url.PathEscape(role)
	if id != "" {
		u.Path += "/" + url.PathEscape(id)
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %w (status %d)", u, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", u, err)
	}

	c := &Client{conn: conn, role: role, done: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				fmt.Println("\n<< connection closed")
			} else {
				fmt.Printf("\n<< connection lost: %v\n", err)
			}
			return
		}
		var pretty map[string]any
		if json.Unmarshal(data, &pretty) != nil {
			fmt.Printf("\n<< %s\n", data)
			continue
		}
		out, _ := json.MarshalIndent(pretty, "   ", "  ")
		fmt.Printf("\n<< %v\n   %s\n", pretty["type"], out)
	}
}

// Send writes one frame of type t with data as its payload
func (c *Client) Send(t protocol.Type, data any) error {
	env, err := protocol.NewEnvelope(t, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("failed to send %s: %w", t, err)
	}
	return nil
}

// Connected reports whether the read side is still open
func (c *Client) Connected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close sends a close frame and waits briefly for the server to answer
func (c *Client) Close() error {
	c.mu.Lock()
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.mu.Unlock()

	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
	}
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	if err == websocket.ErrCloseSent {
		return nil
	}
	return err
}

// Menu handles the interactive CLI menu
type Menu struct {
	client *Client
	reader *bufio.Reader
}

// NewMenu creates a new menu
func NewMenu(client *Client) *Menu {
	return &Menu{
		client: client,
		reader: bufio.NewReader(os.Stdin),
	}
}

// Run starts the main menu loop
func (m *Menu) Run() error {
	for {
		m.printMainMenu()
		choice := m.readInput("Select an option: ")

		var err error
		switch choice {
		case "1":
			err = m.sendAlert()
		case "2":
			err = m.sendResponse()
		case "3":
			err = m.sendImage()
		case "4":
			err = m.sendAlertImage()
		case "5":
			err = m.sendTask()
		case "6":
			err = m.sendResult()
		case "7":
			err = m.sendStatusUpdate()
		case "8":
			err = m.client.Send(protocol.TypePing, nil)
		case "9", "q":
			fmt.Println("Goodbye!")
			return nil
		default:
			fmt.Println("Invalid option")
		}
		if err != nil {
			fmt.Printf("Error: %v\n", err)
		}

		fmt.Println()
	}
}

func (m *Menu) printMainMenu() {
	fmt.Println("\n========================================")
	fmt.Printf("  Drone Relay Client (%s)\n", m.client.role)
	fmt.Println("========================================")
	if m.client.Connected() {
		fmt.Println("Status: Connected ✓")
	} else {
		fmt.Println("Status: Not Connected")
	}
	fmt.Println("----------------------------------------")
	fmt.Println("1. Send Alert (drone)")
	fmt.Println("2. Respond to Alert (application)")
	fmt.Println("3. Send Alert Image (drone)")
	fmt.Println("4. Send Search Image")
	fmt.Println("5. Create Processing Task (application)")
	fmt.Println("6. Send Processing Result (drone)")
	fmt.Println("7. Send Task Status Update (drone)")
	fmt.Println("8. Ping")
	fmt.Println("9. Exit")
	fmt.Println("----------------------------------------")
}

func (m *Menu) sendAlert() error {
	text := m.readInput("Alert text: ")
	if text == "" {
		return fmt.Errorf("alert text cannot be empty")
	}
	score, err := m.readFloat("Score (0-1) [0.9]: ", 0.9)
	if err != nil {
		return err
	}
	loc, err := m.readLocation()
	if err != nil {
		return err
	}

	payload := protocol.AlertPayload{
		ID:        uuid.NewString(),
		AlertText: text,
		Location:  loc,
		Score:     score,
		Timestamp: protocol.Timestamp(time.Now()),
	}
	if err := m.client.Send(protocol.TypeAlert, payload); err != nil {
		return err
	}
	fmt.Printf("✓ Alert %s sent\n", payload.ID)
	return nil
}

func (m *Menu) sendResponse() error {
	alertID := m.readInput("Alert ID: ")
	if alertID == "" {
		return fmt.Errorf("alert id cannot be empty")
	}
	actions := splitList(m.readInput("Actions (comma separated): "))
	return m.client.Send(protocol.TypeResponse, map[string]any{
		"alert_id": alertID,
		"actions":  actions,
	})
}

func (m *Menu) sendImage() error {
	alertID := m.readInput("Alert ID: ")
	imageURL := m.readInput("Image URL: ")
	if alertID == "" || imageURL == "" {
		return fmt.Errorf("alert id and image url are required")
	}
	return m.client.Send(protocol.TypeImage, map[string]any{
		"alert_id":  alertID,
		"image_url": imageURL,
	})
}

func (m *Menu) sendAlertImage() error {
	name := m.readInput("Name: ")
	found, err := m.readInt("Found (0/1) [0]: ", 0)
	if err != nil {
		return err
	}
	loc, err := m.readLocation()
	if err != nil {
		return err
	}
	payload := protocol.AlertImagePayload{
		Found:       found,
		Name:        name,
		DroneID:     m.readInput("Drone ID (blank for none): "),
		ActualImage: m.readInput("Image (URL or base64): "),
		Location:    loc,
		Timestamp:   protocol.Timestamp(time.Now()),
	}
	return m.client.Send(protocol.TypeAlertImage, payload)
}

func (m *Menu) sendTask() error {
	droneID := m.readInput("Drone ID: ")
	taskType := m.readInput("Task type: ")
	if droneID == "" || taskType == "" {
		return fmt.Errorf("drone id and task type are required")
	}
	priority, err := m.readInt("Priority [1]: ", 1)
	if err != nil {
		return err
	}
	input, err := m.readJSON("Input data (JSON) [{}]: ")
	if err != nil {
		return err
	}
	payload := protocol.TaskPayload{
		TaskID:    uuid.NewString(),
		DroneID:   droneID,
		TaskType:  taskType,
		InputData: input,
		Priority:  priority,
	}
	if err := m.client.Send(protocol.TypeProcessingTask, payload); err != nil {
		return err
	}
	fmt.Printf("✓ Task %s sent\n", payload.TaskID)
	return nil
}

func (m *Menu) sendResult() error {
	taskID := m.readInput("Task ID: ")
	if taskID == "" {
		return fmt.Errorf("task id cannot be empty")
	}
	result, err := m.readJSON("Result data (JSON) [{}]: ")
	if err != nil {
		return err
	}
	elapsed, err := m.readFloat("Processing time (s) [0]: ", 0)
	if err != nil {
		return err
	}
	success := !strings.EqualFold(m.readInput("Success? (Y/n): "), "n")

	payload := protocol.ResultPayload{
		TaskID:         taskID,
		ResultData:     result,
		ProcessingTime: elapsed,
		Success:        &success,
		Timestamp:      protocol.Timestamp(time.Now()),
	}
	if !success {
		payload.ErrorMessage = m.readInput("Error message: ")
	}
	return m.client.Send(protocol.TypeProcessingResult, payload)
}

func (m *Menu) sendStatusUpdate() error {
	taskID := m.readInput("Task ID: ")
	status := m.readInput("Status [processing]: ")
	if taskID == "" {
		return fmt.Errorf("task id cannot be empty")
	}
	if status == "" {
		status = models.TaskProcessing
	}
	extra, err := m.readJSON("Additional data (JSON) [{}]: ")
	if err != nil {
		return err
	}
	return m.client.Send(protocol.TypeTaskStatusUpdate, map[string]any{
		"task_id":         taskID,
		"status":          status,
		"additional_data": extra,
	})
}

func (m *Menu) readInput(prompt string, args ...interface{}) string {
	fmt.Printf(prompt, args...)
	input, _ := m.reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func (m *Menu) readInt(prompt string, def int) (int, error) {
	s := m.readInput(prompt)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %s", s)
	}
	return v, nil
}

func (m *Menu) readFloat(prompt string, def float64) (float64, error) {
	s := m.readInput(prompt)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %s", s)
	}
	return v, nil
}

func (m *Menu) readLocation() (models.Location, error) {
	var loc models.Location
	s := m.readInput("Location lat,lon,alt [0,0,0]: ")
	if s == "" {
		return loc, nil
	}
	parts := splitList(s)
	if len(parts) != 3 {
		return loc, fmt.Errorf("location needs three values")
	}
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return loc, fmt.Errorf("invalid coordinate: %s", p)
		}
		loc[i] = v
	}
	return loc, nil
}

func (m *Menu) readJSON(prompt string) (json.RawMessage, error) {
	s := m.readInput(prompt)
	if s == "" {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("invalid JSON")
	}
	return json.RawMessage(s), nil
}

func splitList(s string) []string {
	out := []string{}
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
