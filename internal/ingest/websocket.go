package ingest

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ReadWebSocket connects to url and decodes one sample per text frame
// until the connection closes or ctx is done. subscribe, if not empty, is
// sent as a text frame after the handshake.
func ReadWebSocket(ctx context.Context, url string, subscribe []byte, d *Decoder, sink Sink) error {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	rw := struct {
		io.Reader
		io.Writer
	}{conn, conn}
	if br != nil {
		rw.Reader = io.MultiReader(br, conn)
		defer ws.PutReader(br)
	}

	if len(subscribe) > 0 {
		if err := wsutil.WriteClientText(conn, subscribe); err != nil {
			return err
		}
	}

	for {
		msg, err := wsutil.ReadServerText(rw)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var closed wsutil.ClosedError
			if errors.As(err, &closed) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s, err := d.Decode(msg)
		if err != nil {
			sink.RejectSample(err)
			continue
		}
		sink.HandleSample(ctx, s)
	}
}
