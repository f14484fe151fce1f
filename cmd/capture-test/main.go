package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"pi-camera-stream/pkg/broadcast"
	"pi-camera-stream/pkg/camera"
	"pi-camera-stream/pkg/storage"
	"pi-camera-stream/pkg/utils"
)

// Exercises the device the way the server does:
// 1) still capture on an idle device (starts the stream)
// 2) read frames from the live stream
// 3) still capture while viewers are attached
// 4) read frames again to check the stream resumed
func main() {
	dev := flag.String("dev", camera.DefaultDevice, "video device")
	pw := flag.Int("pw", 1640, "stream width")
	ph := flag.Int("ph", 1232, "stream height")
	cw := flag.Int("cw", 3280, "still width")
	ch := flag.Int("ch", 2464, "still height")
	n := flag.Int("n", 10, "frames to read per stage")
	iterations := flag.Int("iterations", 0, "rounds to run, 0 runs forever")
	dir := flag.String("dir", "./capture-test", "output directory")
	timeout := flag.Duration("timeout", 5*time.Second, "frame read timeout")
	flag.Parse()

	logger := utils.GetLogger()
	defer logger.Sync()

	stg, err := storage.New(*dir, "")
	if err != nil {
		logger.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver := camera.NewV4L2(ctx, *dev,
		camera.WithStillFormat(camera.Format{Width: *cw, Height: *ch, PixelFormat: camera.PixelFmtJPEG}),
		camera.WithSettings(camera.DefaultSettings()),
	)
	session := camera.NewSession(driver, camera.Format{
		Width:       *pw,
		Height:      *ph,
		FPS:         camera.DefaultFPS,
		PixelFormat: camera.PixelFmtJPEG,
	}, stg)
	defer session.Close()

	for iter := 1; *iterations == 0 || iter <= *iterations; iter++ {
		fmt.Printf("\n===== round %d =====\n", iter)

		fmt.Printf("[1/4] capture %dx%d...\n", *cw, *ch)
		capture(ctx, session)

		fmt.Printf("[2/4] stream %dx%d, reading %d frames...\n", *pw, *ph, *n)
		sub := session.Frames().Subscribe()
		readFrames(ctx, sub, *n, *timeout)

		fmt.Printf("[3/4] capture %dx%d while streaming...\n", *cw, *ch)
		capture(ctx, session)

		fmt.Printf("[4/4] reading %d frames after the capture...\n", *n)
		readFrames(ctx, sub, *n, *timeout)
		sub.Close()

		// give the device a moment between reconfigurations
		time.Sleep(500 * time.Millisecond)
	}
}

func capture(ctx context.Context, session *camera.Session) {
	start := time.Now()
	p, err := session.CaptureStill(ctx)
	if err != nil {
		fmt.Println("capture failed:", err)
		os.Exit(1)
	}
	info, err := os.Stat(p)
	if err != nil {
		fmt.Println("stat photo failed:", err)
		os.Exit(1)
	}
	fmt.Printf("saved %s, %d bytes in %s\n", p, info.Size(), time.Since(start))
}

func readFrames(ctx context.Context, sub *broadcast.Subscription, n int, timeout time.Duration) {
	for got := 0; got < n; got++ {
		frameCtx, cancel := context.WithTimeout(ctx, timeout)
		f, err := sub.Next(frameCtx)
		cancel()
		if err != nil {
			fmt.Println("read frame failed:", err)
			os.Exit(1)
		}
		fmt.Printf("frame %d (generation %d), %d bytes\n", got+1, f.Generation, len(f.Data))
	}
}
