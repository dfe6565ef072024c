// xcomfort-monitor connects to an xComfort Bridge, dumps its inventory, and
// streams state updates until interrupted.
//
// Usage:
//
//	xcomfort-monitor -ip 192.168.1.20 -authkey <key>
//	xcomfort-monitor -discover
//
// Options:
//
//	-ip        Bridge IP address
//	-authkey   Bridge authentication key
//	-port      Bridge WebSocket port (default: 80)
//	-discover  Browse the LAN for bridges and exit
//	-verbose   Enable debug logging
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/logging"

	"github.com/backkem/xcomfort/pkg/bridge"
	"github.com/backkem/xcomfort/pkg/discovery"
)

func main() {
	ip := flag.String("ip", "", "bridge IP address")
	authKey := flag.String("authkey", "", "bridge authentication key")
	port := flag.Int("port", 0, "bridge WebSocket port")
	discover := flag.Bool("discover", false, "browse the LAN for bridges and exit")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	factory := logging.NewDefaultLoggerFactory()
	if *verbose {
		factory.DefaultLogLevel = logging.LogLevelDebug
	}

	if *discover {
		if err := runDiscovery(factory); err != nil {
			log.Fatalf("Discovery failed: %v", err)
		}
		return
	}

	if *ip == "" || *authKey == "" {
		flag.Usage()
		os.Exit(2)
	}

	client, err := bridge.NewClient(bridge.Config{
		BridgeIP:      *ip,
		AuthKey:       *authKey,
		Port:          *port,
		LoggerFactory: factory,
		OnConnectionChanged: func(connected bool) {
			fmt.Printf("connection state: %v\n", connected)
		},
	})
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer client.Cleanup()

	if err := client.Init(context.Background()); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}

	fmt.Println("Devices:")
	for _, d := range client.Devices() {
		fmt.Printf("  %-12s %-24s type=%d dimmable=%v\n", d.ID, d.Name, d.DevType, d.Dimmable)
		client.AddDeviceStateListener(d.ID, printDeviceUpdate)
	}

	fmt.Println("Rooms:")
	for _, r := range client.Rooms() {
		fmt.Printf("  %-12d %-24s devices=%d\n", r.ID, r.Name, len(r.Devices))
		client.AddRoomStateListener(r.ID, printRoomUpdate)
	}

	fmt.Println("Scenes:")
	for _, s := range client.Scenes() {
		fmt.Printf("  %-12d %s\n", s.ID, s.Name)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("shutting down")
}

func runDiscovery(factory logging.LoggerFactory) error {
	browser, err := discovery.NewBrowser(discovery.Config{LoggerFactory: factory})
	if err != nil {
		return err
	}
	found, err := browser.Browse(context.Background())
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Println("no bridges found")
		return nil
	}
	for _, b := range found {
		fmt.Printf("%s  %s:%d (%s)\n", b.Instance, b.IP, b.Port, b.HostName)
	}
	return nil
}

func printDeviceUpdate(u bridge.DeviceStateUpdate) {
	line := "device " + u.DeviceID
	if u.Switch != nil {
		line += fmt.Sprintf(" switch=%v", *u.Switch)
	}
	if u.DimmValue != nil {
		line += fmt.Sprintf(" dim=%d", *u.DimmValue)
	}
	if u.Power != nil {
		line += fmt.Sprintf(" power=%.1fW", *u.Power)
	}
	if u.Metadata != nil {
		if u.Metadata.Temperature != nil {
			line += fmt.Sprintf(" temp=%.1f", *u.Metadata.Temperature)
		}
		if u.Metadata.Humidity != nil {
			line += fmt.Sprintf(" humidity=%.1f", *u.Metadata.Humidity)
		}
	}
	fmt.Println(line)
}

func printRoomUpdate(u bridge.RoomStateUpdate) {
	line := fmt.Sprintf("room %d", u.RoomID)
	if u.Switch != nil {
		line += fmt.Sprintf(" switch=%v", *u.Switch)
	}
	if u.DimmValue != nil {
		line += fmt.Sprintf(" dim=%d", *u.DimmValue)
	}
	if u.Power != nil {
		line += fmt.Sprintf(" power=%.1fW", *u.Power)
	}
	fmt.Println(line)
}
