// rbftctl is the operator/client console: it connects to a node's
// websocket endpoint, signs and submits requests, and prints the acks,
// nacks and replies that come back.
package main

import (
	"crypto/ecdsa"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/btcsuite/websocket"
	"github.com/chzyer/readline"

	"github.com/sybtjp/plenum/internal/rbft/crypto"
	"github.com/sybtjp/plenum/internal/rbft/message"
	"github.com/sybtjp/plenum/internal/rbft/types"
)

func usage() string {
	return strings.Join([]string{
		"commands:",
		"  keygen [passphrase]          generate a mnemonic-backed key pair",
		"  load <mnemonic...>           restore the key pair from a mnemonic",
		"  connect <ws://host:port/ws>  connect to a node",
		"  submit <clientId> <reqId> <op-json>",
		"  verify                       (diagnostic) print last reply's proof fields",
		"  help",
		"  exit",
	}, "\n")
}

type ctl struct {
	conn      *websocket.Conn
	key       *ecdsa.PrivateKey
	lastReply *message.Reply
}

func (c *ctl) connect(url string) error {
	var dialer websocket.Dialer
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return err
	}
	c.conn = conn
	go c.readLoop(conn)
	return nil
}

func (c *ctl) readLoop(conn *websocket.Conn) {
	for {
		var env message.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			fmt.Println("connection closed:", err)
			return
		}
		msg, err := message.Decode(env)
		if err != nil {
			fmt.Println("undecodable message:", err)
			continue
		}
		switch m := msg.(type) {
		case *message.RequestAck:
			fmt.Printf("ACK reqId=%d\n", m.ReqId)
		case *message.RequestNack:
			fmt.Printf("NACK reqId=%d reason=%s\n", m.ReqId, m.Reason)
		case *message.Reply:
			c.lastReply = m
			fmt.Printf("REPLY reqId=%d txnId=%s seqNo=%d root=%s\n",
				m.Result.ReqId, m.Result.TxnId, m.Result.SeqNo, m.Result.RootHash)
		default:
			fmt.Printf("message op=%s\n", env.Op)
		}
	}
}

func (c *ctl) submit(clientId string, reqId uint64, opJSON string) error {
	if c.conn == nil {
		return fmt.Errorf("not connected, use connect first")
	}
	if !json.Valid([]byte(opJSON)) {
		return fmt.Errorf("operation is not valid JSON")
	}
	req := message.NewRequest(types.ClientId(clientId), types.ReqId(reqId), json.RawMessage(opJSON))
	if c.key != nil {
		payload, err := req.SignBytes()
		if err != nil {
			return err
		}
		sig, err := crypto.SignPayload(c.key, payload)
		if err != nil {
			return err
		}
		req.Signature = sig
	}
	env, err := message.Encode(req)
	if err != nil {
		return err
	}
	return c.conn.WriteJSON(env)
}

func (c *ctl) keygen(passphrase string) error {
	mnemonic, err := crypto.NewMnemonic()
	if err != nil {
		return err
	}
	key, err := crypto.KeyFromMnemonic(mnemonic, passphrase)
	if err != nil {
		return err
	}
	c.key = key
	fmt.Println("mnemonic (write this down):")
	fmt.Println(" ", mnemonic)
	fmt.Println("public key:", crypto.EncodePublicKey(&key.PublicKey))
	fmt.Println("short id:  ", crypto.ShortId(&key.PublicKey))
	return nil
}

func (c *ctl) load(mnemonic, passphrase string) error {
	key, err := crypto.KeyFromMnemonic(mnemonic, passphrase)
	if err != nil {
		return err
	}
	c.key = key
	fmt.Println("public key:", crypto.EncodePublicKey(&key.PublicKey))
	return nil
}

func main() {
	var (
		url        = flag.String("url", "", "node websocket URL to connect to at startup")
		passphrase = flag.String("passphrase", "", "passphrase for mnemonic key derivation")
	)
	flag.Parse()

	c := &ctl{}
	if *url != "" {
		if err := c.connect(*url); err != nil {
			fmt.Println("connect failed:", err)
			os.Exit(1)
		}
		fmt.Println("connected to", *url)
	}

	rl, err := readline.New("rbft> ")
	if err != nil {
		panic(err)
	}
	defer rl.Close()
	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF, readline.ErrInterrupt
			break
		}
		input := strings.Fields(line)
		if len(input) == 0 {
			continue
		}
		switch input[0] {
		case "keygen":
			pass := *passphrase
			if len(input) > 1 {
				pass = input[1]
			}
			if err := c.keygen(pass); err != nil {
				fmt.Println(err)
			}
		case "load":
			if len(input) < 2 {
				fmt.Println("usage: load <mnemonic words...>")
				continue
			}
			if err := c.load(strings.Join(input[1:], " "), *passphrase); err != nil {
				fmt.Println(err)
			}
		case "connect":
			if len(input) != 2 {
				fmt.Println("usage: connect <ws://host:port/ws>")
				continue
			}
			if err := c.connect(input[1]); err != nil {
				fmt.Println("connect failed:", err)
			} else {
				fmt.Println("connected")
			}
		case "submit":
			if len(input) < 4 {
				fmt.Println("usage: submit <clientId> <reqId> <op-json>")
				continue
			}
			reqId, err := strconv.ParseUint(input[2], 10, 64)
			if err != nil {
				fmt.Println("bad reqId:", err)
				continue
			}
			if err := c.submit(input[1], reqId, strings.Join(input[3:], " ")); err != nil {
				fmt.Println(err)
			}
		case "verify":
			if c.lastReply == nil {
				fmt.Println("no reply received yet")
				continue
			}
			r := c.lastReply.Result
			fmt.Printf("seqNo=%d auditPath=%d hashes root=%s\n", r.SeqNo, len(r.AuditPath), r.RootHash)
		case "help":
			fmt.Println(usage())
		case "exit":
			os.Exit(0)
		default:
			fmt.Println("unknown command, use help to see available commands")
		}
	}
}
