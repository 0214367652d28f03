package devtools

import (
	"github.com/go-rod/rod/lib/proto"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// ProxyConnectionFailed is the errorText Chrome reports when its proxy is down.
const ProxyConnectionFailed = "net::ERR_PROXY_CONNECTION_FAILED"

const (
	eventConsoleAPICalled        = "Runtime.consoleAPICalled"
	eventDialogOpening           = "Page.javascriptDialogOpening"
	eventTargetCrashed           = "Inspector.targetCrashed"
	methodHandleJavaScriptDialog = "Page.handleJavaScriptDialog"
)

func (c *Client) installBuiltinHandlers() {
	c.SetEventHandler(proxyFailureHandler)
	c.SetEventHandler(targetCrashedHandler)
	c.SetEventHandler(errorEnvelopeHandler)
	c.SetEventHandler(c.consoleHandler)
	c.SetEventHandler(c.dialogHandler)
}

func proxyFailureHandler(msg *Message) error {
	if len(msg.Result) == 0 {
		return nil
	}
	if gjson.GetBytes(msg.Result, "errorText").String() == ProxyConnectionFailed {
		return &ProtocolError{Message: ProxyConnectionFailed}
	}
	return nil
}

func targetCrashedHandler(msg *Message) error {
	if msg.Method == eventTargetCrashed {
		return &ProtocolError{Message: "inspector target crashed"}
	}
	return nil
}

func errorEnvelopeHandler(msg *Message) error {
	if msg.Error == nil {
		return nil
	}
	return &ProtocolError{Code: msg.Error.Code, Message: msg.Error.Message}
}

func (c *Client) consoleHandler(msg *Message) error {
	if msg.Method == eventConsoleAPICalled {
		c.console.push(parseConsoleEvent(msg.Params))
	}
	return nil
}

// dialogHandler answers with Send: waiting for the result here would block
// the receive loop that has to deliver it.
func (c *Client) dialogHandler(msg *Message) error {
	if msg.Method != eventDialogOpening {
		return nil
	}
	var evt proto.PageJavascriptDialogOpening
	if err := json.Unmarshal(msg.Params, &evt); err != nil {
		return err
	}
	accept, promptText := c.dialog(string(evt.Type), evt.Message)
	c.log.WithFields(logrus.Fields{
		"type":   evt.Type,
		"accept": accept,
	}).Debugf("answering JS dialog: %.80s", evt.Message)
	return c.Send(msg.SessionID, methodHandleJavaScriptDialog, proto.PageHandleJavaScriptDialog{
		Accept:     accept,
		PromptText: promptText,
	})
}
