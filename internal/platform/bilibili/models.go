package bilibili

type navEnvelope struct {
	Code int     `json:"code"`
	Data navData `json:"data"`
}

type navData struct {
	IsLogin bool `json:"isLogin"`
	WbiImg  struct {
		ImgURL string `json:"img_url"`
		SubURL string `json:"sub_url"`
	} `json:"wbi_img"`
}

type searchData struct {
	Page     int `json:"page"`
	NumPages int `json:"numPages"`
	Result   []struct {
		ID    int64  `json:"id"`
		Bvid  string `json:"bvid"`
		Title string `json:"title"`
	} `json:"result"`
}

type videoView struct {
	Aid     int64  `json:"aid"`
	Bvid    string `json:"bvid"`
	Title   string `json:"title"`
	Desc    string `json:"desc"`
	Pic     string `json:"pic"`
	Pubdate int64  `json:"pubdate"`
	Owner   struct {
		Mid  int64  `json:"mid"`
		Name string `json:"name"`
		Face string `json:"face"`
	} `json:"owner"`
	Stat struct {
		View     int64 `json:"view"`
		Danmaku  int64 `json:"danmaku"`
		Reply    int64 `json:"reply"`
		Favorite int64 `json:"favorite"`
		Coin     int64 `json:"coin"`
		Share    int64 `json:"share"`
		Like     int64 `json:"like"`
	} `json:"stat"`
}

type detailData struct {
	View videoView `json:"View"`
}

type reply struct {
	Rpid   int64 `json:"rpid"`
	Ctime  int64 `json:"ctime"`
	Like   int64 `json:"like"`
	Rcount int   `json:"rcount"`
	Member struct {
		Mid    string `json:"mid"`
		Uname  string `json:"uname"`
		Avatar string `json:"avatar"`
	} `json:"member"`
	Content struct {
		Message string `json:"message"`
	} `json:"content"`
}

type commentData struct {
	Cursor struct {
		IsEnd bool  `json:"is_end"`
		Next  int64 `json:"next"`
	} `json:"cursor"`
	Replies []reply `json:"replies"`
}

type replyData struct {
	Page struct {
		Count int `json:"count"`
		Num   int `json:"num"`
		Size  int `json:"size"`
	} `json:"page"`
	Replies []reply `json:"replies"`
}

type creatorVideosData struct {
	List struct {
		Vlist []struct {
			Aid     int64  `json:"aid"`
			Bvid    string `json:"bvid"`
			Created int64  `json:"created"`
		} `json:"vlist"`
	} `json:"list"`
	Page struct {
		Pn    int `json:"pn"`
		Ps    int `json:"ps"`
		Count int `json:"count"`
	} `json:"page"`
}

type creatorInfo struct {
	Mid  int64  `json:"mid"`
	Name string `json:"name"`
	Face string `json:"face"`
	Sign string `json:"sign"`
}

type relationStat struct {
	Following int64 `json:"following"`
	Follower  int64 `json:"follower"`
}
