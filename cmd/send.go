package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/abboe/broker/internal/config"
	"github.com/abboe/broker/pkg/bo"
	"github.com/abboe/broker/pkg/client"
	"github.com/spf13/cobra"
)

type sendOptions struct {
	address     string
	name        string
	contentType string
	natures     []string
	to          []string
	wait        time.Duration
	timeout     time.Duration
}

func newSendCmd() *cobra.Command {
	opts := &sendOptions{}
	cmd := &cobra.Command{
		Use:   "send [text...]",
		Short: "Connect to a broker, register and send one object",
		Long: `send registers with a running broker and sends one content object made
of the arguments (or stdin when no argument is given). With --wait it then
prints every object it receives for the given duration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, opts, args)
		},
	}

	defaultAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(config.DefaultBrokerPort))
	f := cmd.Flags()
	f.StringVar(&opts.address, "address", defaultAddr, "Broker address")
	f.StringVar(&opts.name, "name", "abboe-send", "Client name to register with")
	f.StringVar(&opts.contentType, "type", "text/plain", "Content type of the object")
	f.StringSliceVar(&opts.natures, "nature", nil, "Nature tags of the object")
	f.StringSliceVar(&opts.to, "to", nil, "Only deliver to these client names")
	f.DurationVar(&opts.wait, "wait", 0, "Print received objects for this long before closing")
	f.DurationVar(&opts.timeout, "timeout", 10*time.Second, "Connect and register timeout")

	return cmd
}

func runSend(cmd *cobra.Command, opts *sendOptions, args []string) error {
	var payload []byte
	if len(args) > 0 {
		payload = []byte(strings.Join(args, " "))
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		payload = data
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	sess, err := client.Connect(ctx, opts.address, client.Options{Name: opts.name})
	if err != nil {
		return err
	}
	defer sess.Close()

	sess.OnObject(func(obj *bo.BusinessObject) {
		printObject(out, obj)
	})
	if _, err := sess.Register(ctx); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	b := bo.NewContent(opts.contentType, payload).Sender(opts.name).NewID()
	if len(opts.natures) > 0 {
		b.Natures(opts.natures...)
	}
	if len(opts.to) > 0 {
		b.To(opts.to...)
	}
	if err := sess.Send(b.Build()); err != nil {
		return err
	}

	if opts.wait > 0 {
		select {
		case <-time.After(opts.wait):
		case <-sess.Done():
		}
	}

	sess.RequestClose()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), opts.timeout)
	defer waitCancel()
	return sess.Wait(waitCtx)
}

func printObject(w io.Writer, obj *bo.BusinessObject) {
	if obj.IsEvent() {
		fmt.Fprintf(w, "event %s %s\n", obj.Event(), obj.Metadata.String())
		return
	}
	from := obj.Get(bo.KeySender)
	if from == "" {
		from = "-"
	}
	c, err := bo.DecodeContent(obj)
	if err != nil {
		fmt.Fprintf(w, "%s: %s (%d bytes, undecodable: %v)\n", from, obj.Type(), len(obj.Payload), err)
		return
	}
	switch v := c.(type) {
	case bo.Text:
		fmt.Fprintf(w, "%s: %s\n", from, v.Body)
	case bo.Image:
		fmt.Fprintf(w, "%s: %s image %dx%d (%d bytes)\n", from, v.Format, v.Width, v.Height, len(v.Data))
	default:
		fmt.Fprintf(w, "%s: %s (%d bytes)\n", from, obj.Type(), len(obj.Payload))
	}
}
