// dialer is a terminal client for deal call rooms. It logs into the
// marketplace API, opens the room for a deal and runs the call with
// line-based controls for mute, video, chat and recording.
package main

func main() {
	Execute()
}
