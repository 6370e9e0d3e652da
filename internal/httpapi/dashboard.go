package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="nl">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>rinkelrelay</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 20px;
      font-family: "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
    }
    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; }
    .bar, .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 14px;
    }
    h1 { margin: 0; font-size: 1.4rem; }
    h2 { margin: 0 0 10px; font-size: 0.9rem; text-transform: uppercase; letter-spacing: 0.06em; }
    .controls { display: flex; gap: 10px; margin-top: 10px; }
    .controls input { flex: 1; padding: 9px 11px; border-radius: 9px; border: 1px solid var(--line); }
    button { border: 0; border-radius: 9px; padding: 8px 12px; font-weight: 700; cursor: pointer; }
    .btn-primary { background: var(--accent); color: #fff; }
    .btn-secondary { background: #efe6d7; color: var(--ink); }
    .cards { display: grid; gap: 10px; grid-template-columns: repeat(4, 1fr); }
    .label { text-transform: uppercase; font-size: 0.66rem; color: var(--muted); letter-spacing: 0.09em; }
    .value { margin-top: 6px; font-size: 1.1rem; font-weight: 700; }
    .grid { display: grid; gap: 12px; grid-template-columns: 1fr 1fr; }
    ul { list-style: none; margin: 0; padding: 0; display: grid; gap: 8px; max-height: 420px; overflow: auto; }
    li { border: 1px solid #e3d9c4; border-left: 5px solid var(--accent); border-radius: 9px; padding: 8px 10px; font-size: 0.85rem; }
    li.err { border-left-color: var(--danger); }
    .mono { font-family: "IBM Plex Mono", monospace; }
    .meta { color: var(--muted); font-size: 0.78rem; }
    #status.err { color: var(--danger); }
  </style>
</head>
<body>
  <div class="shell">
    <section class="bar">
      <h1>rinkelrelay</h1>
      <div class="meta">Rinkel call events to Salesforce Tasks</div>
      <div class="controls">
        <input id="token" type="password" placeholder="admin bearer token" />
        <button id="refresh" class="btn-primary" type="button">Refresh</button>
      </div>
      <div id="status" class="meta">enter token to start</div>
    </section>
    <section class="cards">
      <div class="bar"><div class="label">Pending</div><div class="value" id="pending">-</div></div>
      <div class="bar"><div class="label">Capacity</div><div class="value" id="capacity">-</div></div>
      <div class="bar"><div class="label">Dead letters</div><div class="value" id="dead">-</div></div>
      <div class="bar"><div class="label">Live feed</div><div class="value" id="live">offline</div></div>
    </section>
    <section class="grid">
      <div class="panel"><h2>Live outcomes</h2><ul id="feed"></ul></div>
      <div class="panel"><h2>Dead letters</h2><ul id="deadLetters"></ul></div>
    </section>
  </div>
  <script>
    (function () {
      const dom = {
        token: document.getElementById("token"),
        refresh: document.getElementById("refresh"),
        status: document.getElementById("status"),
        pending: document.getElementById("pending"),
        capacity: document.getElementById("capacity"),
        dead: document.getElementById("dead"),
        live: document.getElementById("live"),
        feed: document.getElementById("feed"),
        deadLetters: document.getElementById("deadLetters"),
      };
      let socket = null;

      function setStatus(text, err) {
        dom.status.textContent = text;
        dom.status.className = err ? "meta err" : "meta";
      }

      async function request(path, method) {
        const resp = await fetch(path, {
          method: method || "GET",
          headers: { "Authorization": "Bearer " + dom.token.value.trim() },
        });
        const body = await resp.json().catch(() => ({}));
        if (!resp.ok) {
          throw new Error(body.message || ("HTTP " + resp.status));
        }
        return body;
      }

      function renderDeadLetters(items) {
        dom.deadLetters.innerHTML = "";
        items.forEach((item) => {
          const li = document.createElement("li");
          li.className = "err";
          const title = document.createElement("div");
          title.className = "mono";
          title.textContent = item.callId + " | " + item.phase + " | attempts=" + item.attemptCount;
          const meta = document.createElement("div");
          meta.className = "meta";
          meta.textContent = item.failedAt + " " + item.lastError;
          const replay = document.createElement("button");
          replay.className = "btn-secondary";
          replay.textContent = "Replay";
          replay.onclick = () => act(item.id, "replay");
          const ack = document.createElement("button");
          ack.className = "btn-secondary";
          ack.textContent = "Ack";
          ack.onclick = () => act(item.id, "ack");
          li.append(title, meta, replay, ack);
          dom.deadLetters.appendChild(li);
        });
      }

      async function act(id, action) {
        try {
          await request("/v1/admin/dead-letters/" + encodeURIComponent(id) + "/" + action, "POST");
          await refresh();
        } catch (err) {
          setStatus(String(err.message || err), true);
        }
      }

      function pushOutcome(outcome) {
        const li = document.createElement("li");
        if (outcome.result !== "ok") {
          li.className = "err";
        }
        li.textContent = outcome.at + " " + outcome.callId + " " + outcome.phase + " " + outcome.result +
          (outcome.activityId ? " task=" + outcome.activityId : "") + (outcome.message ? " " + outcome.message : "");
        dom.feed.prepend(li);
        while (dom.feed.children.length > 200) {
          dom.feed.removeChild(dom.feed.lastChild);
        }
      }

      function connect() {
        if (socket) {
          socket.close();
        }
        const scheme = window.location.protocol === "https:" ? "wss://" : "ws://";
        socket = new WebSocket(scheme + window.location.host + "/v1/admin/stream?access_token=" + encodeURIComponent(dom.token.value.trim()));
        socket.onopen = () => { dom.live.textContent = "online"; };
        socket.onclose = () => { dom.live.textContent = "offline"; };
        socket.onmessage = (msg) => pushOutcome(JSON.parse(msg.data));
      }

      async function refresh() {
        try {
          const [status, deadLetters] = await Promise.all([
            request("/v1/admin/redelivery"),
            request("/v1/admin/dead-letters?limit=50"),
          ]);
          dom.pending.textContent = String(status.pending);
          dom.capacity.textContent = String(status.capacity);
          dom.dead.textContent = String(status.deadLetters);
          renderDeadLetters(deadLetters.items || []);
          setStatus("updated " + new Date().toLocaleTimeString(), false);
          window.localStorage.setItem("rinkelrelay_dashboard_token", dom.token.value.trim());
        } catch (err) {
          setStatus(String(err.message || err), true);
        }
      }

      dom.refresh.addEventListener("click", () => { refresh(); connect(); });
      dom.token.value = window.localStorage.getItem("rinkelrelay_dashboard_token") || "";
      if (dom.token.value) {
        refresh();
        connect();
      }
      setInterval(refresh, 15000);
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AdminJWTSecret == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
